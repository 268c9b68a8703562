package domain

// ProductRef is the slice of catalog data the engine needs. The catalog
// itself is owned elsewhere.
type ProductRef struct {
	ID                string   `json:"id"`
	ASIN              string   `json:"asin"`
	SKU               string   `json:"sku,omitempty"`
	Title             string   `json:"title,omitempty"`
	Category          string   `json:"category,omitempty"`
	Supplier          string   `json:"supplier,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	CurrentPrice      float64  `json:"current_price"`
	CostPrice         float64  `json:"cost_price"`
	MAPPrice          float64  `json:"map_price,omitempty"`
	InventoryLevel    int      `json:"inventory_level"`
	SalesVelocity     float64  `json:"sales_velocity"`
	ReplenishmentRate float64  `json:"replenishment_rate,omitempty"`
}

// HasTag reports whether the product carries tag.
func (p ProductRef) HasTag(tag string) bool {
	return contains(p.Tags, tag)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
