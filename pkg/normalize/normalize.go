// Package normalize turns raw vendor sailing payloads into canonical
// Sailing records. The transform is pure: no I/O, typed errors, so the
// caller decides retry-vs-skip per error class.
package normalize

import (
	"fmt"
	"time"

	"github.com/sgaunet/cruisesync/pkg/dto"
)

// Normalizer reconciles the vendor payload shapes, including known legacy
// and corrupted variants, into canonical Sailing fields.
type Normalizer struct {
	// scaling maps a cruise-line id to a price divisor. Observed vendor
	// quirk: some lines publish prices in fractional units (e.g. 1/1000
	// of a currency unit). Configured, not hard-coded, until the vendor
	// confirms the rule.
	scaling map[int]float64
}

// New creates a Normalizer with the given per-line price scaling table.
func New(scaling map[int]float64) *Normalizer {
	return &Normalizer{scaling: scaling}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02/01/2006",
}

// Normalize parses raw bytes for the referenced sailing and returns the
// canonical record. Errors wrap ErrCorruptPayload or ErrMissingIdentifier.
func (n *Normalizer) Normalize(raw []byte, ref dto.SailingReference) (dto.Sailing, error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return dto.Sailing{}, err
	}

	sailingID := doc.id("codetocruiseid", "id")
	cruiseID := doc.id("cruiseid")
	if sailingID == "" || cruiseID == "" {
		return dto.Sailing{}, fmt.Errorf("%w: codetocruiseid=%q cruiseid=%q", ErrMissingIdentifier, sailingID, cruiseID)
	}

	prices := extractPrices(doc)
	lineID := ref.LineID
	if id, ok := doc.integer("lineid"); ok {
		lineID = id
	}
	shipID := ref.ShipID
	if id, ok := doc.integer("shipid"); ok {
		shipID = id
	}
	if divisor, ok := n.scaling[lineID]; ok && divisor > 0 {
		prices.scale(divisor)
	}

	s := dto.Sailing{
		ID:       sailingID,
		CruiseID: cruiseID,
		LineID:   lineID,
		ShipID:   shipID,
		// First non-empty source wins for display names, mirroring the
		// price priority pattern.
		Name:           doc.str("name", "cruisename", "voyagename"),
		ShipName:       shipName(doc),
		InteriorPrice:  prices.interior,
		OceanviewPrice: prices.oceanview,
		BalconyPrice:   prices.balcony,
		SuitePrice:     prices.suite,
		CheapestPrice:  prices.cheapest(),
		Currency:       currency(doc),
		RegionIDs:      doc.intList("regionids", "regions"),
		PortIDs:        doc.intList("portids", "ports"),
		RawData:        raw,
	}

	if d, ok := parseSailDate(doc.str("saildate", "startdate", "embarkdate")); ok {
		s.SailingDate = d
	}
	if nights, ok := doc.integer("nights", "sailnights", "duration"); ok {
		s.Nights = nights
	}
	if port, ok := doc.integer("startportid", "embarkportid"); ok {
		s.EmbarkPortID = port
	}
	if port, ok := doc.integer("endportid", "disembarkportid"); ok {
		s.DisembarkPortID = port
	}
	return s, nil
}

// shipName prefers the engine name, then the nice name, then the generic
// ship name, from the nested ship content or top level.
func shipName(doc document) string {
	if ship := doc.child("shipcontent"); ship != nil {
		if name := ship.str("enginename", "nicename", "name"); name != "" {
			return name
		}
	}
	return doc.str("shipname")
}

func currency(doc document) string {
	if c := doc.str("currency", "currencycode"); c != "" {
		return c
	}
	return "USD"
}

func parseSailDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
