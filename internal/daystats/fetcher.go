package daystats

import (
	"context"
	"log/slog"
	"time"

	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

// DefaultColumn is the archive column whose daily range is reported.
const DefaultColumn = "outTemp"

// Store answers aggregate queries over the archive. archive.Store satisfies it.
type Store interface {
	DayMinMax(ctx context.Context, column string, from, to int64) (minV, maxV *float64, err error)
}

// Range is a day-to-date minimum and maximum in METRIC units.
// A nil field means the value is unknown.
type Range struct {
	Min *float64
	Max *float64
}

// Fetcher reads daily ranges from a Store.
type Fetcher struct {
	store  Store
	column string
	log    *slog.Logger
}

// New creates a Fetcher for DefaultColumn. store may be nil, in which case
// every Fetch returns an empty Range.
func New(store Store, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{store: store, column: DefaultColumn, log: logger}
}

// StartOfDayUTC returns the midnight UTC boundary at or before ts.
func StartOfDayUTC(ts int64) int64 {
	t := time.Unix(ts, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// Fetch returns the range of the column over (StartOfDayUTC(ts), ts].
// Values are read in the unit system of the originating record and
// converted to METRIC. An unavailable store, a failed query or an empty window
// all yield an empty Range; none of them is reported as an error.
func (f *Fetcher) Fetch(ctx context.Context, ts int64, units weather.UnitSystem) Range {
	if f == nil || f.store == nil {
		return Range{}
	}

	from := StartOfDayUTC(ts)
	lo, hi, err := f.store.DayMinMax(ctx, f.column, from, ts)
	if err != nil {
		f.log.Debug("daystats: query failed, continuing without daily range",
			"column", f.column, "from", from, "to", ts, "err", err)
		return Range{}
	}

	group := weather.GroupOf(f.column)
	return Range{
		Min: f.convert(group, lo, units),
		Max: f.convert(group, hi, units),
	}
}

func (f *Fetcher) convert(g weather.Group, v *float64, units weather.UnitSystem) *float64 {
	if v == nil {
		return nil
	}
	c, err := weather.ConvertToMetric(g, *v, units)
	if err != nil {
		f.log.Debug("daystats: cannot convert value", "column", f.column, "units", units, "err", err)
		return nil
	}
	return &c
}
