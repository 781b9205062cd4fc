package gateway

import "github.com/shopspring/decimal"

// rateCardEntry is one (provider, operation) price, denominated per unit of
// MeteredUnits named Unit. A new provider requires a code-level
// registration here: the rate card ships as in-code configuration.
type rateCardEntry struct {
	Unit      string // the MeteredUnits key this price applies to
	UnitPrice decimal.Decimal
}

// RateCard is the (provider, operation) -> price table. Vector-op pricing
// is per-vector rather than per-batch, per SPEC_FULL.md §4.G's resolved
// open question.
type RateCard struct {
	entries map[string]rateCardEntry
}

func entryKey(provider, operation string) string { return provider + ":" + operation }

// NewDefaultRateCard returns the in-code rate card this runtime ships with.
func NewDefaultRateCard() *RateCard {
	rc := &RateCard{entries: map[string]rateCardEntry{}}
	rc.Register("anthropic", "completion", "output_tokens", decimal.RequireFromString("0.000015"))
	rc.Register("anthropic", "completion-input", "input_tokens", decimal.RequireFromString("0.000003"))
	rc.Register("bedrock", "completion", "output_tokens", decimal.RequireFromString("0.000012"))
	rc.Register("bedrock", "completion-input", "input_tokens", decimal.RequireFromString("0.0000025"))
	rc.Register("qdrant", "vector-op", "vectors", decimal.RequireFromString("0.0001"))
	rc.Register("managed-search", "web-search", "queries", decimal.RequireFromString("0.005"))
	return rc
}

// Register adds or replaces a rate card entry.
func (rc *RateCard) Register(provider, operation, unit string, unitPrice decimal.Decimal) {
	rc.entries[entryKey(provider, operation)] = rateCardEntry{Unit: unit, UnitPrice: unitPrice}
}

// Estimate returns an upper-bound cost for quantity units of the named
// (provider, operation); used for the pre-call cap checks (step 2).
func (rc *RateCard) Estimate(provider, operation string, quantity int64) (decimal.Decimal, bool) {
	entry, ok := rc.entries[entryKey(provider, operation)]
	if !ok {
		return decimal.Zero, false
	}
	return entry.UnitPrice.Mul(decimal.NewFromInt(quantity)), true
}

// Actual computes the metered cost from a response's reported usage map,
// summing every (provider, operation) variant that has a registered price
// and a matching unit in units.
func (rc *RateCard) Actual(provider string, operationVariants []string, units map[string]int64) decimal.Decimal {
	total := decimal.Zero
	for _, op := range operationVariants {
		entry, ok := rc.entries[entryKey(provider, op)]
		if !ok {
			continue
		}
		qty, ok := units[entry.Unit]
		if !ok {
			continue
		}
		total = total.Add(entry.UnitPrice.Mul(decimal.NewFromInt(qty)))
	}
	return total
}
