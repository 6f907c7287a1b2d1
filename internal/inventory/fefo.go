package inventory

import (
	"sort"

	"github.com/shopspring/decimal"
)

// selectLotFEFO picks the lot an outbound movement should draw from when the
// caller did not specify one. Lots with the earliest non-null expiry date win;
// lots without an expiry date sort last; ties break on earliest received date.
// Allocation is single-lot only: a lot must cover the full quantity on its
// own, otherwise the movement fails with ErrInsufficientStock and the caller
// has to pick lots manually.
func selectLotFEFO(lots []LotStock, required decimal.Decimal) (Lot, error) {
	ordered := make([]LotStock, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		return fefoLess(ordered[i].Lot, ordered[j].Lot)
	})
	for _, ls := range ordered {
		if ls.Available.GreaterThanOrEqual(required) {
			return ls.Lot, nil
		}
	}
	return Lot{}, ErrInsufficientStock
}

func fefoLess(a, b Lot) bool {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate == nil:
		return a.ReceivedDate.Before(b.ReceivedDate)
	case a.ExpiryDate == nil:
		return false
	case b.ExpiryDate == nil:
		return true
	case a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ReceivedDate.Before(b.ReceivedDate)
	default:
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
}
