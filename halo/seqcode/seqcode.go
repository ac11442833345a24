package seqcode

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"halo-indexer/halo/types"
)

const (
	PostCounter  = "post"
	BatchCounter = "batch"

	DefaultMinWidth = 8
)

var (
	ErrCounterUnavailable = errors.New("sequence counter unavailable")
	ErrInvalidCode        = errors.New("invalid sequential code")

	codeRe = regexp.MustCompile(`^LAS#[A-Fa-f0-9]{1,64}$`)
)

// Counter hands out strictly increasing values per name. Implementations
// must be durable and shared by every instance issuing codes.
type Counter interface {
	NextSequence(ctx context.Context, name string) (uint64, error)
}

type Generator struct {
	Counter  Counter
	MinWidth int
}

func New(counter Counter, minWidth int) *Generator {
	if minWidth <= 0 {
		minWidth = DefaultMinWidth
	}
	return &Generator{Counter: counter, MinWidth: minWidth}
}

// Generate issues the next post code. address and timestamp identify the
// request being coded; the code itself depends only on the shared counter.
func (g *Generator) Generate(ctx context.Context, address string, timestamp int64) (string, uint64, error) {
	if g == nil || g.Counter == nil {
		return "", 0, ErrCounterUnavailable
	}
	if strings.TrimSpace(address) == "" {
		return "", 0, fmt.Errorf("address is required")
	}
	n, err := g.Counter.NextSequence(ctx, PostCounter)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	return types.CodePrefix + Format(n, g.MinWidth), n, nil
}

// GenerateBatch issues the next batch number and its code.
func (g *Generator) GenerateBatch(ctx context.Context) (string, uint64, error) {
	if g == nil || g.Counter == nil {
		return "", 0, ErrCounterUnavailable
	}
	n, err := g.Counter.NextSequence(ctx, BatchCounter)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	return types.BatchCodePrefix + Format(n, g.MinWidth), n, nil
}

// Format renders n as upper-case hex, zero padded to minWidth and widened
// as needed to fit the value.
func Format(n uint64, minWidth int) string {
	s := strings.ToUpper(strconv.FormatUint(n, 16))
	if len(s) < minWidth {
		s = strings.Repeat("0", minWidth-len(s)) + s
	}
	return s
}

func Valid(code string) bool {
	return codeRe.MatchString(code)
}

// Canonical rewrites a valid code into the stored form: the counter value
// as upper-case hex, zero padded to minWidth. LAS#1, las-cased digits and
// LAS#00000001 all map to the same code. Invalid codes are returned
// unchanged; codes beyond 64 bits are only uppercased since no counter
// can have issued them.
func Canonical(code string, minWidth int) string {
	if !Valid(code) {
		return code
	}
	if minWidth <= 0 {
		minWidth = DefaultMinWidth
	}
	n, err := Parse(code)
	if err != nil {
		return types.CodePrefix + strings.ToUpper(code[len(types.CodePrefix):])
	}
	return types.CodePrefix + Format(n, minWidth)
}

// Parse returns the counter value behind a post code.
func Parse(code string) (uint64, error) {
	if !Valid(code) {
		return 0, ErrInvalidCode
	}
	digits := strings.TrimLeft(code[len(types.CodePrefix):], "0")
	if digits == "" {
		return 0, nil
	}
	if len(digits) > 16 {
		return 0, fmt.Errorf("%w: value exceeds 64 bits", ErrInvalidCode)
	}
	n, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	return n, nil
}
