package cart

import (
	"encoding/json"
	"fmt"

	"github.com/Thorugoh/GoMarketplace/internal/domain"
)

// Encode serializes the cart as a JSON array of line items, in cart order.
func Encode(items []domain.LineItem) ([]byte, error) {
	if items == nil {
		items = []domain.LineItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal cart failed: %w", err)
	}
	return data, nil
}

// Decode parses a stored snapshot. Lines without an id or repeating an id make
// the whole snapshot corrupt. Lines with a quantity of zero or less are
// dropped: older clients could write them.
func Decode(data []byte) ([]domain.LineItem, error) {
	var raw []domain.LineItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	items := make([]domain.LineItem, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for i, item := range raw {
		if item.ID == "" {
			return nil, fmt.Errorf("%w: line %d has no id", ErrCorruptSnapshot, i)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrCorruptSnapshot, item.ID)
		}
		seen[item.ID] = struct{}{}

		if item.Quantity <= 0 {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
