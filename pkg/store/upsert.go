package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/sgaunet/cruisesync/pkg/dto"
)

// Result discriminates what an upsert did.
type Result string

const (
	// Inserted means the sailing row did not exist before.
	Inserted Result = "inserted"
	// Updated means an existing row was updated in place.
	Updated Result = "updated"
)

// ErrConstraintViolation marks a foreign-key or similar integrity failure
// that persisted even after re-ensuring dimension rows.
var ErrConstraintViolation = errors.New("constraint violation")

// UpsertSailing snapshots the sailing's current stored prices (when a prior
// row exists), then atomically inserts or updates the row, clearing
// needs_price_update. The snapshot and the update run in one transaction so
// the snapshot strictly precedes the new prices.
//
// Dimension rows are ensured first, and a constraint violation is retried
// once after re-ensuring them.
func (s *Service) UpsertSailing(ctx context.Context, sailing dto.Sailing) (Result, error) {
	if err := s.EnsureDimensions(ctx, sailing); err != nil {
		return "", err
	}

	res, err := s.upsertOnce(ctx, sailing)
	if err != nil && isIntegrityError(err) {
		s.log.Warn("constraint violation on upsert, re-ensuring dimensions",
			slog.String("sailing", sailing.ID),
			slog.String("error", err.Error()))
		if dimErr := s.EnsureDimensions(ctx, sailing); dimErr != nil {
			return "", dimErr
		}
		res, err = s.upsertOnce(ctx, sailing)
		if err != nil && isIntegrityError(err) {
			return "", fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		}
	}
	return res, err
}

func (s *Service) upsertOnce(ctx context.Context, sailing dto.Sailing) (Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Snapshot before update: copies the current prices for an existing
	// row, inserts nothing on first sight of a sailing.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO price_history
		   (cruise_id, interior_price, oceanview_price, balcony_price, suite_price, currency, snapshot_date)
		 SELECT id, interior_price, oceanview_price, balcony_price, suite_price, currency, now()
		 FROM cruises WHERE id = $1`,
		sailing.ID)
	if err != nil {
		return "", fmt.Errorf("snapshot prices for %s: %w", sailing.ID, err)
	}

	var inserted bool
	err = tx.QueryRowContext(ctx,
		`INSERT INTO cruises
		   (id, cruise_id, cruise_line_id, ship_id, name, sailing_date, nights,
		    embark_port_id, disembark_port_id, region_ids, port_ids,
		    interior_price, oceanview_price, balcony_price, suite_price,
		    cheapest_price, currency, needs_price_update, is_active, raw_data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		         $12, $13, $14, $15, $16, $17, FALSE, TRUE, $18, now())
		 ON CONFLICT (id) DO UPDATE SET
		   cruise_id = EXCLUDED.cruise_id,
		   cruise_line_id = EXCLUDED.cruise_line_id,
		   ship_id = EXCLUDED.ship_id,
		   name = EXCLUDED.name,
		   sailing_date = EXCLUDED.sailing_date,
		   nights = EXCLUDED.nights,
		   embark_port_id = EXCLUDED.embark_port_id,
		   disembark_port_id = EXCLUDED.disembark_port_id,
		   region_ids = EXCLUDED.region_ids,
		   port_ids = EXCLUDED.port_ids,
		   interior_price = EXCLUDED.interior_price,
		   oceanview_price = EXCLUDED.oceanview_price,
		   balcony_price = EXCLUDED.balcony_price,
		   suite_price = EXCLUDED.suite_price,
		   cheapest_price = EXCLUDED.cheapest_price,
		   currency = EXCLUDED.currency,
		   needs_price_update = FALSE,
		   is_active = TRUE,
		   raw_data = EXCLUDED.raw_data,
		   updated_at = now()
		 RETURNING (xmax = 0)`,
		sailing.ID, sailing.CruiseID, sailing.LineID, sailing.ShipID,
		sailing.Name, nullDate(sailing.SailingDate), sailing.Nights,
		nullInt(sailing.EmbarkPortID), nullInt(sailing.DisembarkPortID),
		pq.Array(toInt64(sailing.RegionIDs)), pq.Array(toInt64(sailing.PortIDs)),
		nullFloat(sailing.InteriorPrice), nullFloat(sailing.OceanviewPrice),
		nullFloat(sailing.BalconyPrice), nullFloat(sailing.SuitePrice),
		nullFloat(sailing.CheapestPrice), sailing.Currency, sailing.RawData,
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("upsert sailing %s: %w", sailing.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit upsert for %s: %w", sailing.ID, err)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

// PriceHistory returns the snapshots for one sailing, newest first.
func (s *Service) PriceHistory(ctx context.Context, sailingID string) ([]dto.PriceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cruise_id, interior_price, oceanview_price, balcony_price, suite_price, currency, snapshot_date
		 FROM price_history WHERE cruise_id = $1 ORDER BY snapshot_date DESC`,
		sailingID)
	if err != nil {
		return nil, fmt.Errorf("load price history for %s: %w", sailingID, err)
	}
	defer rows.Close()

	var out []dto.PriceSnapshot
	for rows.Next() {
		var snap dto.PriceSnapshot
		var interior, oceanview, balcony, suite sql.NullFloat64
		if err := rows.Scan(&snap.SailingID, &interior, &oceanview, &balcony, &suite,
			&snap.Currency, &snap.SnapshotDate); err != nil {
			return nil, fmt.Errorf("scan price snapshot: %w", err)
		}
		snap.InteriorPrice = floatPtr(interior)
		snap.OceanviewPrice = floatPtr(oceanview)
		snap.BalconyPrice = floatPtr(balcony)
		snap.SuitePrice = floatPtr(suite)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// isIntegrityError reports whether err is a Postgres integrity constraint
// violation (SQLSTATE class 23).
func isIntegrityError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
}

func toInt64(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
