package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Tier prices distances up to UpToMiles. A zero UpToMiles marks the final,
// unbounded tier.
type Tier struct {
	UpToMiles    float64 `json:"up_to_miles"`
	FreeMiles    float64 `json:"free_miles"`
	PerMileCents int64   `json:"per_mile_cents"`
	FlatCents    int64   `json:"flat_cents"`
}

// fee saturates at math.MaxInt64 instead of wrapping.
func (t Tier) fee(miles float64) int64 {
	billable := miles - t.FreeMiles
	if billable <= 0 {
		return t.FlatCents
	}
	n := int64(billable)
	if t.PerMileCents > 0 && n > (math.MaxInt64-t.FlatCents)/t.PerMileCents {
		return math.MaxInt64
	}
	return t.FlatCents + t.PerMileCents*n
}

// TierTable satisfies envconfig.Decoder so it can be set from a JSON env var.
type TierTable []Tier

func (tt *TierTable) Decode(value string) error {
	var tiers []Tier
	if err := json.Unmarshal([]byte(value), &tiers); err != nil {
		return fmt.Errorf("decode tier table: %w", err)
	}
	*tt = tiers
	return nil
}

// DefaultTiers: free up to 30 miles, $2/mile beyond 30 up to 50, and a $25
// surcharge on top of the per-mile rate past 50.
func DefaultTiers() TierTable {
	return TierTable{
		{UpToMiles: 30},
		{UpToMiles: 50, FreeMiles: 30, PerMileCents: 200},
		{FreeMiles: 30, PerMileCents: 200, FlatCents: 2500},
	}
}

var ErrInvalidTiers = errors.New("invalid travel fee tiers")

// Calculator turns distances into travel fees.
type Calculator struct {
	tiers TierTable
}

// NewCalculator validates the table: bounds must ascend, only the last tier may
// be unbounded and the fee may never drop when crossing a boundary.
func NewCalculator(tiers TierTable) (*Calculator, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: empty table", ErrInvalidTiers)
	}
	prevUpTo := 0.0
	for i, tier := range tiers {
		last := i == len(tiers)-1
		if tier.PerMileCents < 0 || tier.FlatCents < 0 || tier.FreeMiles < 0 {
			return nil, fmt.Errorf("%w: tier %d has negative values", ErrInvalidTiers, i)
		}
		if !last && tier.UpToMiles <= prevUpTo {
			return nil, fmt.Errorf("%w: tier %d bound %.2f not above %.2f", ErrInvalidTiers, i, tier.UpToMiles, prevUpTo)
		}
		if last && tier.UpToMiles != 0 && tier.UpToMiles <= prevUpTo {
			return nil, fmt.Errorf("%w: tier %d bound %.2f not above %.2f", ErrInvalidTiers, i, tier.UpToMiles, prevUpTo)
		}
		if i > 0 {
			boundary := math.Floor(tiers[i-1].UpToMiles)
			if tier.fee(boundary+1) < tiers[i-1].fee(boundary) {
				return nil, fmt.Errorf("%w: fee drops after %.2f miles", ErrInvalidTiers, boundary)
			}
		}
		prevUpTo = tier.UpToMiles
	}
	out := make(TierTable, len(tiers))
	copy(out, tiers)
	return &Calculator{tiers: out}, nil
}

// MaxBillableMiles caps priced distances; anything farther, including +Inf,
// is billed as this many miles.
const MaxBillableMiles = 1e9

// BillableMiles rounds a measured distance up to whole miles.
func BillableMiles(distanceMiles float64) float64 {
	if distanceMiles <= 0 || math.IsNaN(distanceMiles) {
		return 0
	}
	if distanceMiles >= MaxBillableMiles {
		return MaxBillableMiles
	}
	return math.Ceil(distanceMiles)
}

// FeeFor returns the travel fee in cents.
func (c *Calculator) FeeFor(distanceMiles float64) int64 {
	miles := BillableMiles(distanceMiles)
	return c.tiers[c.TierIndex(miles)].fee(miles)
}

// TierIndex returns which tier prices the distance. Distances beyond a
// bounded final tier are priced by it.
func (c *Calculator) TierIndex(distanceMiles float64) int {
	miles := BillableMiles(distanceMiles)
	for i, tier := range c.tiers {
		if tier.UpToMiles == 0 || miles <= tier.UpToMiles {
			return i
		}
	}
	return len(c.tiers) - 1
}
