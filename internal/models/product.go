package models

// CreditPack is a purchasable bundle of conversions.
type CreditPack struct {
	ID         string `json:"id"`
	Books      int    `json:"books"`
	PriceCents int64  `json:"price_cents"`
	Price      string `json:"price"`
}

var CreditPacks = []CreditPack{
	{ID: "1", Books: 1, PriceCents: 200, Price: "2.00"},
	{ID: "3", Books: 3, PriceCents: 500, Price: "5.00"},
	{ID: "10", Books: 10, PriceCents: 1200, Price: "12.00"},
}

// DefaultPackCredits is granted when a payment carries no pack information.
const DefaultPackCredits = 10

func PackByID(id string) (CreditPack, bool) {
	for _, p := range CreditPacks {
		if p.ID == id {
			return p, true
		}
	}
	return CreditPack{}, false
}

// PackByPriceCents matches a paid amount to the largest pack it covers.
func PackByPriceCents(cents int64) (CreditPack, bool) {
	var best CreditPack
	found := false
	for _, p := range CreditPacks {
		if cents >= p.PriceCents && (!found || p.PriceCents > best.PriceCents) {
			best, found = p, true
		}
	}
	return best, found
}
