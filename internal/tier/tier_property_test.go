package tier

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// Classification is total over non-negative cents and never decreases as the
// magnitude grows.
func TestProperty_ClassifyMonotonic(t *testing.T) {
	c := mustClassifier(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("higher magnitude never yields a lower tier", prop.ForAll(
		func(aCents, bCents int64) bool {
			if aCents > bCents {
				aCents, bCents = bCents, aCents
			}
			a := decimal.New(aCents, -2)
			b := decimal.New(bCents, -2)
			return c.Classify(a) <= c.Classify(b)
		},
		gen.Int64Range(0, 10_000_000),
		gen.Int64Range(0, 10_000_000),
	))

	properties.Property("tier lower bound is closed", prop.ForAll(
		func(idx int) bool {
			tr := All[idx]
			at := c.Threshold(tr)
			below := at.Sub(decimal.New(1, -2))
			return c.Classify(at) == tr && c.Classify(below) == tr-1
		},
		gen.IntRange(0, len(All)-1),
	))

	properties.TestingRun(t)
}
