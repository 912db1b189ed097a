// Package catalog discovers sailing files on the vendor FTP tree.
// The remote layout is /{year}/{month:02d}/{lineId}/{shipId}/{sailingId}.json.
package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/sgaunet/cruisesync/pkg/dto"
	"github.com/sgaunet/cruisesync/pkg/ftpclient"
)

// Lister lists one remote directory. Satisfied by ftpclient.Service.
type Lister interface {
	ListDirectory(ctx context.Context, path string) ([]ftpclient.Entry, error)
}

// Range is an inclusive year/month span to walk.
type Range struct {
	FromYear  int
	FromMonth int
	ToYear    int
	ToMonth   int
}

// Months returns every (year, month) pair in the range, oldest first.
func (r Range) Months() [][2]int {
	var out [][2]int
	year, month := r.FromYear, r.FromMonth
	for year < r.ToYear || (year == r.ToYear && month <= r.ToMonth) {
		out = append(out, [2]int{year, month})
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return out
}

// Walker produces SailingReferences by traversing the three-level
// year/month -> line -> ship fan-out. The walker is stateless per call;
// resumption is the job processor's concern via its checkpoint.
type Walker struct {
	lister Lister
	log    *slog.Logger
}

// NewWalker creates a walker over the given lister.
func NewWalker(lister Lister) *Walker {
	return &Walker{
		lister: lister,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger sets the logger for the walker.
func (w *Walker) SetLogger(log *slog.Logger) {
	w.log = log
}

// Walk lazily emits references for every sailing file in the range. A list
// failure at any node skips that subtree and continues with its siblings:
// the remote tree is routinely incomplete for future months and partial
// results are expected. The channel closes when the walk finishes or the
// context is cancelled.
func (w *Walker) Walk(ctx context.Context, r Range, lineFilter map[int]bool) <-chan dto.SailingReference {
	out := make(chan dto.SailingReference)
	go func() {
		defer close(out)
		for _, ym := range r.Months() {
			if ctx.Err() != nil {
				return
			}
			w.walkMonth(ctx, ym[0], ym[1], lineFilter, out)
		}
	}()
	return out
}

// LineReferences collects the scoped listing for one cruise line, used by
// webhook-triggered resyncs instead of a full crawl.
func (w *Walker) LineReferences(ctx context.Context, r Range, lineID int) []dto.SailingReference {
	var refs []dto.SailingReference
	for ref := range w.Walk(ctx, r, map[int]bool{lineID: true}) {
		refs = append(refs, ref)
	}
	return refs
}

// Lines returns the distinct cruise line ids present anywhere in the range,
// ascending. A month listing failure skips that month, same as Walk.
func (w *Walker) Lines(ctx context.Context, r Range) []int {
	seen := map[int]bool{}
	for _, ym := range r.Months() {
		if ctx.Err() != nil {
			break
		}
		monthPath := fmt.Sprintf("/%d/%02d", ym[0], ym[1])
		entries, err := w.lister.ListDirectory(ctx, monthPath)
		if err != nil {
			w.log.Warn("skipping month subtree",
				slog.String("path", monthPath),
				slog.String("error", err.Error()))
			continue
		}
		for _, e := range entries {
			if e.Kind != ftpclient.KindDir {
				continue
			}
			if lineID, err := strconv.Atoi(e.Name); err == nil {
				seen[lineID] = true
			}
		}
	}

	lines := make([]int, 0, len(seen))
	for lineID := range seen {
		lines = append(lines, lineID)
	}
	sort.Ints(lines)
	return lines
}

func (w *Walker) walkMonth(ctx context.Context, year, month int, lineFilter map[int]bool, out chan<- dto.SailingReference) {
	monthPath := fmt.Sprintf("/%d/%02d", year, month)
	entries, err := w.lister.ListDirectory(ctx, monthPath)
	if err != nil {
		w.log.Warn("skipping month subtree",
			slog.String("path", monthPath),
			slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		if e.Kind != ftpclient.KindDir {
			continue
		}
		lineID, err := strconv.Atoi(e.Name)
		if err != nil {
			continue
		}
		if lineFilter != nil && !lineFilter[lineID] {
			continue
		}
		w.walkLine(ctx, year, month, lineID, out)
	}
}

func (w *Walker) walkLine(ctx context.Context, year, month, lineID int, out chan<- dto.SailingReference) {
	linePath := fmt.Sprintf("/%d/%02d/%d", year, month, lineID)
	entries, err := w.lister.ListDirectory(ctx, linePath)
	if err != nil {
		w.log.Warn("skipping cruise line subtree",
			slog.String("path", linePath),
			slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		if e.Kind != ftpclient.KindDir {
			continue
		}
		shipID, err := strconv.Atoi(e.Name)
		if err != nil {
			continue
		}
		w.walkShip(ctx, year, month, lineID, shipID, out)
	}
}

func (w *Walker) walkShip(ctx context.Context, year, month, lineID, shipID int, out chan<- dto.SailingReference) {
	shipPath := fmt.Sprintf("/%d/%02d/%d/%d", year, month, lineID, shipID)
	entries, err := w.lister.ListDirectory(ctx, shipPath)
	if err != nil {
		w.log.Warn("skipping ship subtree",
			slog.String("path", shipPath),
			slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		if e.Kind != ftpclient.KindFile || !strings.HasSuffix(e.Name, ".json") {
			continue
		}
		ref := dto.SailingReference{
			Year:      year,
			Month:     month,
			LineID:    lineID,
			ShipID:    shipID,
			SailingID: strings.TrimSuffix(e.Name, ".json"),
		}
		select {
		case out <- ref:
		case <-ctx.Done():
			return
		}
	}
}
