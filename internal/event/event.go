// Package event holds the liquidity events flowing through a poll cycle.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"whale-alerts/internal/tier"
)

// Kind distinguishes liquidity additions from withdrawals.
type Kind string

const (
	Addition   Kind = "Add"
	Withdrawal Kind = "Withdraw"
)

// Label is the upper-case form used in alert text.
func (k Kind) Label() string {
	return strings.ToUpper(string(k))
}

// ParseKind accepts "add"/"addition"/"mint" and "withdraw"/"withdrawal"/"burn".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add", "addition", "additions", "mint", "mints":
		return Addition, nil
	case "withdraw", "withdrawal", "withdrawals", "burn", "burns":
		return Withdrawal, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// PoolRef identifies the pool an event touched.
type PoolRef struct {
	ID     string
	Token0 string
	Token1 string
}

// Pair renders "TOKEN0/TOKEN1".
func (p PoolRef) Pair() string {
	return p.Token0 + "/" + p.Token1
}

// TxRef locates the originating transaction.
type TxRef struct {
	Hash        string
	BlockNumber int64
}

// Raw is one upstream occurrence, immutable once fetched.
type Raw struct {
	ID           string
	Timestamp    int64
	MagnitudeUSD decimal.Decimal
	Kind         Kind
	Pool         PoolRef
	Tx           TxRef
	Origin       string
	Amount0      decimal.Decimal
	Amount1      decimal.Decimal
	LogIndex     int64
}

// Time converts the feed timestamp (unix seconds) to UTC.
func (r Raw) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// Classified pairs an event with its tier.
type Classified struct {
	Raw
	Tier tier.Tier
}

// Qualifies reports whether the event crossed the lowest threshold.
func (c Classified) Qualifies() bool {
	return c.Tier != tier.None
}

// Classify applies c to r.
func Classify(r Raw, c *tier.Classifier) Classified {
	return Classified{Raw: r, Tier: c.Classify(r.MagnitudeUSD)}
}
