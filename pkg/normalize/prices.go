package normalize

import "strings"

// cabinPrices holds the four canonical cabin-class prices. A nil slot means
// the class was absent from every source.
type cabinPrices struct {
	interior  *float64
	oceanview *float64
	balcony   *float64
	suite     *float64
}

// priceSource extracts a partial set of cabin prices from one payload shape.
// Sources are tried in priority order and an already-filled slot is never
// overwritten by a lower-priority source.
type priceSource struct {
	name    string
	extract func(document) cabinPrices
}

// priceSources is the fixed priority list: vendor-supplied cheapest fields
// first, the cabin-level price list last.
var priceSources = []priceSource{
	{name: "top-level cheapest fields", extract: topLevelCheapest},
	{name: "cheapest.combined", extract: cheapestCombined},
	{name: "cheapest.prices", extract: cheapestPrices},
	{name: "cabin price list", extract: cabinListMinimums},
}

// extractPrices runs the priority list, first match per cabin class wins.
func extractPrices(doc document) cabinPrices {
	var out cabinPrices
	for _, src := range priceSources {
		out.merge(src.extract(doc))
		if out.complete() {
			break
		}
	}
	return out
}

func (p *cabinPrices) merge(other cabinPrices) {
	if p.interior == nil {
		p.interior = other.interior
	}
	if p.oceanview == nil {
		p.oceanview = other.oceanview
	}
	if p.balcony == nil {
		p.balcony = other.balcony
	}
	if p.suite == nil {
		p.suite = other.suite
	}
}

func (p cabinPrices) complete() bool {
	return p.interior != nil && p.oceanview != nil && p.balcony != nil && p.suite != nil
}

// scale divides every present price by divisor.
func (p *cabinPrices) scale(divisor float64) {
	for _, slot := range []**float64{&p.interior, &p.oceanview, &p.balcony, &p.suite} {
		if *slot != nil {
			v := **slot / divisor
			*slot = &v
		}
	}
}

// cheapest returns the minimum of the present prices, or nil if none are.
func (p cabinPrices) cheapest() *float64 {
	var min *float64
	for _, v := range []*float64{p.interior, p.oceanview, p.balcony, p.suite} {
		if v == nil {
			continue
		}
		if min == nil || *v < *min {
			min = v
		}
	}
	if min == nil {
		return nil
	}
	v := *min
	return &v
}

func topLevelCheapest(doc document) cabinPrices {
	return cabinPrices{
		interior:  doc.price("cheapestinside", "cheapestinterior"),
		oceanview: doc.price("cheapestoutside", "cheapestoceanview"),
		balcony:   doc.price("cheapestbalcony"),
		suite:     doc.price("cheapestsuite"),
	}
}

func cheapestCombined(doc document) cabinPrices {
	return slotsOf(doc.child("cheapest").child("combined"))
}

func cheapestPrices(doc document) cabinPrices {
	return slotsOf(doc.child("cheapest").child("prices"))
}

func slotsOf(doc document) cabinPrices {
	if doc == nil {
		return cabinPrices{}
	}
	return cabinPrices{
		interior:  doc.price("inside", "interior"),
		oceanview: doc.price("outside", "oceanview"),
		balcony:   doc.price("balcony"),
		suite:     doc.price("suite"),
	}
}

// cabinListMinimums scans the flat list of individual cabin price entries,
// classifies each entry's free-text category into a canonical class, and
// keeps the minimum observed price per class.
func cabinListMinimums(doc document) cabinPrices {
	entries := doc.list("prices")
	if entries == nil {
		entries = doc.list("cachedprices")
	}

	var out cabinPrices
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		entry := document(m)
		price := entry.price("price", "cheapestprice", "total")
		if price == nil {
			continue
		}
		slot := out.slotFor(classifyCabin(entry.str("cabintype", "cabincategory", "category")))
		if slot == nil {
			continue
		}
		if *slot == nil || *price < **slot {
			*slot = price
		}
	}
	return out
}

func (p *cabinPrices) slotFor(class string) **float64 {
	switch class {
	case "interior":
		return &p.interior
	case "oceanview":
		return &p.oceanview
	case "balcony":
		return &p.balcony
	case "suite":
		return &p.suite
	}
	return nil
}

// classifyCabin maps a free-text cabin category to one of the four canonical
// classes by case-insensitive substring match. Unrecognized categories
// contribute to no class.
func classifyCabin(category string) string {
	c := strings.ToLower(category)
	switch {
	case strings.Contains(c, "interior"), strings.Contains(c, "inside"):
		return "interior"
	case strings.Contains(c, "ocean"), strings.Contains(c, "outside"):
		return "oceanview"
	case strings.Contains(c, "balcony"):
		return "balcony"
	case strings.Contains(c, "suite"):
		return "suite"
	}
	return ""
}
