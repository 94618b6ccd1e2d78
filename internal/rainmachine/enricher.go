package rainmachine

import (
	"context"
	"fmt"

	"github.com/sprinkler/rainmachine-weewx/internal/daystats"
	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

// Record fields added by Enricher.
const (
	FieldDayMinTemp = "outTempMin"
	FieldDayMaxTemp = "outTempMax"
)

// RangeFetcher returns the day-to-date temperature range in METRIC units.
// *daystats.Fetcher satisfies it.
type RangeFetcher interface {
	Fetch(ctx context.Context, ts int64, units weather.UnitSystem) daystats.Range
}

// Enricher prepares archive records for Transform.
type Enricher struct {
	stats RangeFetcher
}

// NewEnricher creates an Enricher. stats may be nil, in which case the daily
// range fields are always null.
func NewEnricher(stats RangeFetcher) *Enricher {
	return &Enricher{stats: stats}
}

// Enrich returns a METRIC copy of rec carrying outTempMin and outTempMax.
// It fails only when rec's unit system is unknown.
func (e *Enricher) Enrich(ctx context.Context, rec weather.Record) (weather.Record, error) {
	out, err := weather.ToMetric(rec)
	if err != nil {
		return weather.Record{}, fmt.Errorf("rainmachine: normalize record %d: %w", rec.DateTime, err)
	}

	var r daystats.Range
	if e.stats != nil {
		r = e.stats.Fetch(ctx, rec.DateTime, rec.Units)
	}
	out.Set(FieldDayMinTemp, r.Min)
	out.Set(FieldDayMaxTemp, r.Max)
	return out, nil
}
