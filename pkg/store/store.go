// Package store persists sailings, price history and sync progress in
// PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/sgaunet/cruisesync/pkg/dto"
)

// Service provides database operations for the sync pipeline.
type Service struct {
	db  *sql.DB
	log *slog.Logger
}

// NewService creates a new store service.
func NewService(db *sql.DB) *Service {
	return &Service{
		db:  db,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(log *slog.Logger) {
	s.log = log
}

// EnsureDimensions upserts the dimension rows a sailing references, in a
// fixed order: cruise line, ship, ports, regions. Running this before every
// sailing upsert resolves foreign-key ordering without read-then-write.
func (s *Service) EnsureDimensions(ctx context.Context, sailing dto.Sailing) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cruise_lines (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		sailing.LineID, fmt.Sprintf("line %d", sailing.LineID))
	if err != nil {
		return fmt.Errorf("ensure cruise line %d: %w", sailing.LineID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ships (id, cruise_line_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		 WHERE ships.name = '' OR ships.name IS NULL`,
		sailing.ShipID, sailing.LineID, sailing.ShipName)
	if err != nil {
		return fmt.Errorf("ensure ship %d: %w", sailing.ShipID, err)
	}

	portIDs := make(map[int]bool)
	for _, id := range sailing.PortIDs {
		portIDs[id] = true
	}
	if sailing.EmbarkPortID != 0 {
		portIDs[sailing.EmbarkPortID] = true
	}
	if sailing.DisembarkPortID != 0 {
		portIDs[sailing.DisembarkPortID] = true
	}
	for id := range portIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO ports (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("ensure port %d: %w", id, err)
		}
	}

	for _, id := range sailing.RegionIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO regions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("ensure region %d: %w", id, err)
		}
	}
	return nil
}

// MarkLineNeedsUpdate flags every active sailing of a line for repricing.
// Side effect of a deferred webhook: the in-flight run picks these up.
func (s *Service) MarkLineNeedsUpdate(ctx context.Context, lineID int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cruises SET needs_price_update = TRUE
		 WHERE cruise_line_id = $1 AND is_active`, lineID)
	if err != nil {
		return 0, fmt.Errorf("mark line %d for price update: %w", lineID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// NeedsUpdateBacklog counts active sailings still flagged for repricing.
// A non-decreasing backlog is the externally observable failure signal.
func (s *Service) NeedsUpdateBacklog(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cruises WHERE needs_price_update AND is_active`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count price update backlog: %w", err)
	}
	return n, nil
}

// DeactivateMissing logically deletes a line's sailings that the vendor
// stopped listing. Rows are never hard-deleted: price history references
// them.
func (s *Service) DeactivateMissing(ctx context.Context, lineID int, seen []string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cruises SET is_active = FALSE
		 WHERE cruise_line_id = $1 AND is_active AND NOT (id = ANY($2))`,
		lineID, pq.Array(seen))
	if err != nil {
		return 0, fmt.Errorf("deactivate missing sailings for line %d: %w", lineID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordWebhookEvent appends the inbound event to the audit table.
func (s *Service) RecordWebhookEvent(ctx context.Context, eventID string, lineID int, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, cruise_line_id, outcome)
		 VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		eventID, lineID, outcome)
	if err != nil {
		return fmt.Errorf("record webhook event %s: %w", eventID, err)
	}
	return nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullDate(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}
