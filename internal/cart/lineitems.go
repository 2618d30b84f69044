package cart

import (
	"slices"

	"github.com/Thorugoh/GoMarketplace/internal/domain"
)

// The helpers below never modify their input; they return a new slice and
// whether anything changed.

func indexOf(items []domain.LineItem, id string) int {
	return slices.IndexFunc(items, func(item domain.LineItem) bool {
		return item.ID == id
	})
}

func addProduct(items []domain.LineItem, p domain.Product) ([]domain.LineItem, bool) {
	if indexOf(items, p.ID) >= 0 {
		return adjustQuantity(items, p.ID, 1)
	}
	next := make([]domain.LineItem, len(items), len(items)+1)
	copy(next, items)
	return append(next, p.LineItem(1)), true
}

// adjustQuantity adds delta to the quantity of id. A line that reaches zero
// is removed.
func adjustQuantity(items []domain.LineItem, id string, delta int) ([]domain.LineItem, bool) {
	idx := indexOf(items, id)
	if idx < 0 || delta == 0 {
		return items, false
	}
	quantity := items[idx].Quantity + delta
	if quantity <= 0 {
		return removeAt(items, idx), true
	}
	next := slices.Clone(items)
	next[idx].Quantity = quantity
	return next, true
}

func removeItem(items []domain.LineItem, id string) ([]domain.LineItem, bool) {
	idx := indexOf(items, id)
	if idx < 0 {
		return items, false
	}
	return removeAt(items, idx), true
}

func removeAt(items []domain.LineItem, idx int) []domain.LineItem {
	return slices.Delete(slices.Clone(items), idx, idx+1)
}
