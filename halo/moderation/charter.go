package moderation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"halo-indexer/halo/types"
)

var ErrInvalidCharter = errors.New("invalid charter")

type Thresholds struct {
	SoftBlock float64 `json:"softBlock"`
	HardBlock float64 `json:"hardBlock"`
}

type Category struct {
	Key        string     `json:"key"`
	Title      string     `json:"title"`
	Severity   string     `json:"severity"`
	Thresholds Thresholds `json:"thresholds"`
}

type Enforcement struct {
	Default   string            `json:"default"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

// Charter is the moderation policy document. Snapshots are immutable once
// published.
type Charter struct {
	Version     string      `json:"version"`
	Categories  []Category  `json:"categories"`
	Enforcement Enforcement `json:"enforcement"`
}

func ParseCharter(data []byte) (*Charter, error) {
	var c Charter
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCharter, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func LoadCharterFile(path string) (*Charter, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCharter(b)
}

func (c *Charter) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidCharter)
	}
	seen := make(map[string]struct{}, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.Key == "" {
			return fmt.Errorf("%w: category key is required", ErrInvalidCharter)
		}
		if _, dup := seen[cat.Key]; dup {
			return fmt.Errorf("%w: duplicate category %q", ErrInvalidCharter, cat.Key)
		}
		seen[cat.Key] = struct{}{}
		t := cat.Thresholds
		if t.HardBlock <= 0 || t.HardBlock > 1 || t.SoftBlock < 0 || t.SoftBlock > t.HardBlock {
			return fmt.Errorf("%w: category %q thresholds out of range", ErrInvalidCharter, cat.Key)
		}
	}
	if c.Enforcement.Default != "" && !validAction(c.Enforcement.Default) {
		return fmt.Errorf("%w: unknown default action %q", ErrInvalidCharter, c.Enforcement.Default)
	}
	for key, action := range c.Enforcement.Overrides {
		if !validAction(action) {
			return fmt.Errorf("%w: unknown action %q for %q", ErrInvalidCharter, action, key)
		}
	}
	return nil
}

// BreachAction is the action taken when a category crosses its hard-block
// threshold.
func (c *Charter) BreachAction(category string) string {
	if a, ok := c.Enforcement.Overrides[category]; ok {
		return a
	}
	if c.Enforcement.Default != "" {
		return c.Enforcement.Default
	}
	return types.ActionHardBlock
}

func validAction(a string) bool {
	switch a {
	case types.ActionAllow, types.ActionSoftBlock, types.ActionHardBlock:
		return true
	}
	return false
}

func actionRank(a string) int {
	switch a {
	case types.ActionHardBlock:
		return 2
	case types.ActionSoftBlock:
		return 1
	default:
		return 0
	}
}

func maxAction(a, b string) string {
	if actionRank(b) > actionRank(a) {
		return b
	}
	return a
}
