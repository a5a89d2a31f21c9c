// Package tariff maps a paid amount onto an access duration. The amount is
// the product selector: it is verified against the payment record before it
// is ever looked up here, so a mismatch can never buy a different package.
package tariff

import (
	"fmt"
	"sort"
	"time"
)

// Package is one purchasable access window.
type Package struct {
	Amount   float64
	Label    string
	Duration time.Duration
}

// Amounts are whole KES as charged via STK push.
var packages = []Package{
	{Amount: 10, Label: "1h", Duration: 1 * time.Hour},
	{Amount: 20, Label: "6h", Duration: 6 * time.Hour},
	{Amount: 30, Label: "24h", Duration: 24 * time.Hour},
	{Amount: 150, Label: "7d", Duration: 7 * 24 * time.Hour},
	{Amount: 500, Label: "30d", Duration: 30 * 24 * time.Hour},
}

// ForAmount returns the package selected by a paid amount.
func ForAmount(amount float64) (Package, error) {
	for _, p := range packages {
		if p.Amount == amount {
			return p, nil
		}
	}
	return Package{}, fmt.Errorf("no package for amount %.2f", amount)
}

// All returns the packages ordered by price, for the initiation flow and the
// portal's package listing.
func All() []Package {
	out := make([]Package, len(packages))
	copy(out, packages)
	sort.Slice(out, func(i, j int) bool { return out[i].Amount < out[j].Amount })
	return out
}
