package domain

// Product is a catalog entry as it arrives from the storefront, before it has
// a quantity in the cart.
type Product struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
}

// LineItem is a product held in the cart.
type LineItem struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

func (p Product) LineItem(quantity int) LineItem {
	return LineItem{
		ID:       p.ID,
		Title:    p.Title,
		ImageURL: p.ImageURL,
		Price:    p.Price,
		Quantity: quantity,
	}
}

// Subtotal is price * quantity for one line.
func (i LineItem) Subtotal() float64 {
	return i.Price * float64(i.Quantity)
}
