package model

// Plan describes a subscription tier and the monthly image quota it grants.
type Plan struct {
	Key        string
	PriceID    string
	Name       string
	PriceCents int64
	Quota      int64
	Features   []string
}

// Plans is the subscription plan catalog, keyed by plan key.
var Plans = map[string]Plan{
	"hobby": {
		Key:        "hobby",
		PriceID:    "price_hobby",
		Name:       "Hobby",
		PriceCents: 999,
		Quota:      100,
		Features: []string{
			"100 images per month",
			"Basic models",
			"Standard resolution",
			"Community gallery access",
		},
	},
	"pro": {
		Key:        "pro",
		PriceID:    "price_pro",
		Name:       "Pro",
		PriceCents: 2499,
		Quota:      500,
		Features: []string{
			"500 images per month",
			"All models including premium",
			"High resolution",
			"Priority generation",
			"Private galleries",
		},
	},
	"studio": {
		Key:        "studio",
		PriceID:    "price_studio",
		Name:       "Studio",
		PriceCents: 9999,
		Quota:      2000,
		Features: []string{
			"2000 images per month",
			"All models with priority access",
			"Maximum resolution",
			"Batch processing",
			"API access",
		},
	},
}

// PlanByPriceID resolves a plan from a billing provider price id.
func PlanByPriceID(priceID string) (Plan, bool) {
	for _, p := range Plans {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}
