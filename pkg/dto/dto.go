// Package dto provides data transfer objects shared by the sync pipeline.
package dto

import (
	"fmt"
	"time"
)

// SailingReference identifies one remote sailing file on the vendor FTP tree.
// It is produced by the catalog walker (or a webhook-scoped listing) and
// consumed once per processing attempt.
type SailingReference struct {
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	LineID    int    `json:"lineId"`
	ShipID    int    `json:"shipId"`
	SailingID string `json:"sailingId"`
}

// RemotePath returns the vendor file path for the reference:
// /{year}/{month:02d}/{lineId}/{shipId}/{sailingId}.json
func (r SailingReference) RemotePath() string {
	return fmt.Sprintf("/%d/%02d/%d/%d/%s.json", r.Year, r.Month, r.LineID, r.ShipID, r.SailingID)
}

// Sailing is the persisted entity for one dated cruise departure.
// ID is the vendor's per-sailing code and is immutable once assigned;
// CruiseID is the reusable cruise definition that recurs across sail dates.
type Sailing struct {
	ID              string     `json:"id"`
	CruiseID        string     `json:"cruiseId"`
	LineID          int        `json:"lineId"`
	ShipID          int        `json:"shipId"`
	Name            string     `json:"name"`
	ShipName        string     `json:"shipName"`
	SailingDate     time.Time  `json:"sailingDate"`
	Nights          int        `json:"nights"`
	EmbarkPortID    int        `json:"embarkPortId"`
	DisembarkPortID int        `json:"disembarkPortId"`
	RegionIDs       []int      `json:"regionIds"`
	PortIDs         []int      `json:"portIds"`
	InteriorPrice   *float64   `json:"interiorPrice,omitempty"`
	OceanviewPrice  *float64   `json:"oceanviewPrice,omitempty"`
	BalconyPrice    *float64   `json:"balconyPrice,omitempty"`
	SuitePrice      *float64   `json:"suitePrice,omitempty"`
	CheapestPrice   *float64   `json:"cheapestPrice,omitempty"`
	Currency        string     `json:"currency"`
	RawData         []byte     `json:"-"`
	LastSyncedAt    *time.Time `json:"lastSyncedAt,omitempty"`
}

// PriceSnapshot is an immutable record of a sailing's canonical prices,
// written before an update is applied.
type PriceSnapshot struct {
	SailingID      string    `json:"sailingId"`
	InteriorPrice  *float64  `json:"interiorPrice,omitempty"`
	OceanviewPrice *float64  `json:"oceanviewPrice,omitempty"`
	BalconyPrice   *float64  `json:"balconyPrice,omitempty"`
	SuitePrice     *float64  `json:"suitePrice,omitempty"`
	Currency       string    `json:"currency"`
	SnapshotDate   time.Time `json:"snapshotDate"`
}

// FileStatus is the terminal state of one reference within a run.
type FileStatus string

const (
	// FileCommitted means the reference was fetched, normalized and persisted.
	FileCommitted FileStatus = "committed"
	// FileFailed means processing stopped with a recorded error; the
	// reference stays eligible for the next run.
	FileFailed FileStatus = "failed"
)

// FileResult records the outcome of one reference within a run.
type FileResult struct {
	Reference  SailingReference `json:"reference"`
	Status     FileStatus       `json:"status"`
	ErrorClass string           `json:"errorClass,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// RunReport aggregates counters for a finished or in-progress sync run.
type RunReport struct {
	RunID     string    `json:"runId"`
	Scope     string    `json:"scope"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	StartedAt time.Time `json:"startedAt"`
}
