// Package tier maps USD magnitudes onto discrete alert tiers.
package tier

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is an alert severity bucket. Values are ordered by ascending threshold.
type Tier int

const (
	None Tier = iota
	Tier1
	Tier2
	Tier3
)

// All lists the qualifying tiers in ascending order.
var All = []Tier{Tier1, Tier2, Tier3}

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "dolphin"
	case Tier2:
		return "whale"
	case Tier3:
		return "orc"
	default:
		return "none"
	}
}

// Label is the display name used in alerts and the audit log.
func (t Tier) Label() string {
	switch t {
	case Tier1:
		return "Dolphin"
	case Tier2:
		return "Whale"
	case Tier3:
		return "Orc"
	default:
		return "None"
	}
}

// Emoji returns the alert marker for the tier.
func (t Tier) Emoji() string {
	switch t {
	case Tier1:
		return "🐬"
	case Tier2:
		return "🐋"
	case Tier3:
		return "🐙"
	default:
		return ""
	}
}

// Color is an RGB hint for sinks that support coloured messages.
func (t Tier) Color() int {
	switch t {
	case Tier1:
		return 0x3498DB
	case Tier2:
		return 0x9B59B6
	case Tier3:
		return 0xE74C3C
	default:
		return 0
	}
}

// Parse accepts either String or Label forms.
func Parse(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return None, nil
	case "dolphin", "tier1":
		return Tier1, nil
	case "whale", "tier2":
		return Tier2, nil
	case "orc", "tier3":
		return Tier3, nil
	}
	return None, fmt.Errorf("unknown tier %q", s)
}

// Classifier assigns tiers from an ascending threshold triple.
type Classifier struct {
	thresholds [3]decimal.Decimal
}

// NewClassifier validates that 0 < t1 < t2 < t3.
func NewClassifier(t1, t2, t3 decimal.Decimal) (*Classifier, error) {
	if !t1.IsPositive() {
		return nil, fmt.Errorf("tier1 threshold must be positive, got %s", t1)
	}
	if !t1.LessThan(t2) || !t2.LessThan(t3) {
		return nil, fmt.Errorf("tier thresholds must be strictly ascending, got %s < %s < %s", t1, t2, t3)
	}
	return &Classifier{thresholds: [3]decimal.Decimal{t1, t2, t3}}, nil
}

// Classify returns the highest tier whose threshold is <= magnitude.
func (c *Classifier) Classify(magnitude decimal.Decimal) Tier {
	for i := len(c.thresholds) - 1; i >= 0; i-- {
		if magnitude.GreaterThanOrEqual(c.thresholds[i]) {
			return Tier(i + 1)
		}
	}
	return None
}

// Threshold returns the lower bound of t, or zero for None.
func (c *Classifier) Threshold(t Tier) decimal.Decimal {
	if t < Tier1 || t > Tier3 {
		return decimal.Zero
	}
	return c.thresholds[t-1]
}

// Floor is the smallest qualifying magnitude.
func (c *Classifier) Floor() decimal.Decimal {
	return c.thresholds[0]
}
