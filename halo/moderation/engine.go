package moderation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"halo-indexer/halo/types"
)

const ModelLocalRules = "local-rules"

type EvalContext struct {
	UserAddress string
	PostType    string
}

type Decision struct {
	Action         string             `json:"action"`
	Categories     []string           `json:"categories"`
	Reason         string             `json:"reason"`
	Model          string             `json:"model"`
	CharterVersion string             `json:"charterVersion"`
	Scores         map[string]float64 `json:"scores,omitempty"`
	RuleHits       []RuleHit          `json:"ruleHits,omitempty"`
}

func (d Decision) Record() types.ModerationRecord {
	cats := d.Categories
	if cats == nil {
		cats = []string{}
	}
	return types.ModerationRecord{Action: d.Action, Categories: cats, CharterVersion: d.CharterVersion}
}

type CharterSource interface {
	Charter() *Charter
}

// Engine combines local rules, an optional provider and the active charter
// into a single decision.
type Engine struct {
	Rules    []Rule
	Provider Provider
	Charters CharterSource
	Logger   *zap.Logger
}

func NewEngine(charters CharterSource, provider Provider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Rules: DefaultRules, Provider: provider, Charters: charters, Logger: logger}
}

func (e *Engine) Evaluate(ctx context.Context, content string, ec EvalContext) Decision {
	d := Decision{
		Action: types.ActionAllow,
		Model:  ModelLocalRules,
		Scores: make(map[string]float64),
	}
	var reasons []string
	flagged := make(map[string]struct{})

	// Tier 1: local rules.
	d.RuleHits = MatchRules(e.Rules, content)
	for _, hit := range d.RuleHits {
		score := localSoftScore
		action := types.ActionSoftBlock
		if hit.Severity == SeverityHard {
			score = localHardScore
			action = types.ActionHardBlock
		}
		d.Action = maxAction(d.Action, action)
		flagged[hit.Category] = struct{}{}
		if score > d.Scores[hit.Category] {
			d.Scores[hit.Category] = score
		}
		reasons = append(reasons, "rule "+hit.Key)
	}

	// Tier 2: provider evidence.
	if e.Provider != nil {
		d.Model = ModelLocalRules + "+" + e.Provider.Name()
		scores, err := e.Provider.Classify(ctx, content)
		if err != nil {
			e.Logger.Warn("moderation provider failed",
				zap.String("provider", e.Provider.Name()),
				zap.String("address", ec.UserAddress),
				zap.Error(err),
			)
		}
		for _, s := range scores {
			if s.Score > d.Scores[s.Category] {
				d.Scores[s.Category] = s.Score
			}
		}
	}

	// Tier 3: charter thresholds.
	var charter *Charter
	if e.Charters != nil {
		charter = e.Charters.Charter()
	}
	if charter != nil {
		d.CharterVersion = charter.Version
		for _, cat := range charter.Categories {
			score, ok := d.Scores[cat.Key]
			if !ok {
				continue
			}
			switch {
			case score >= cat.Thresholds.HardBlock:
				action := charter.BreachAction(cat.Key)
				if action == types.ActionAllow {
					reasons = append(reasons, fmt.Sprintf("monitor %s %.2f", cat.Key, score))
					continue
				}
				d.Action = maxAction(d.Action, action)
				flagged[cat.Key] = struct{}{}
				reasons = append(reasons, fmt.Sprintf("charter %s %.2f >= %.2f", cat.Key, score, cat.Thresholds.HardBlock))
			case score >= cat.Thresholds.SoftBlock:
				d.Action = maxAction(d.Action, types.ActionSoftBlock)
				flagged[cat.Key] = struct{}{}
				reasons = append(reasons, fmt.Sprintf("charter %s %.2f >= %.2f", cat.Key, score, cat.Thresholds.SoftBlock))
			}
		}
	}

	d.Categories = make([]string, 0, len(flagged))
	for c := range flagged {
		d.Categories = append(d.Categories, c)
	}
	sort.Strings(d.Categories)
	d.Reason = strings.Join(reasons, "; ")
	if len(d.Scores) == 0 {
		d.Scores = nil
	}

	if d.Action != types.ActionAllow {
		e.Logger.Info("moderation decision",
			zap.String("action", d.Action),
			zap.Strings("categories", d.Categories),
			zap.String("address", ec.UserAddress),
			zap.String("postType", ec.PostType),
			zap.String("charterVersion", d.CharterVersion),
		)
	}
	return d
}
