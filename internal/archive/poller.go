package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

const pollBatch = 100

// Source is the subset of Store the Poller reads from.
type Source interface {
	Latest(ctx context.Context) (int64, error)
	Since(ctx context.Context, after int64, limit int) ([]weather.Record, error)
}

// Poller watches the archive table for new rows.
type Poller struct {
	src      Source
	interval time.Duration
	log      *slog.Logger

	last   int64
	primed bool
}

// NewPoller creates a Poller that checks src every interval.
func NewPoller(src Source, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{src: src, interval: interval, log: logger}
}

// Run calls emit for each archive row newer than the newest row present when
// Run started. Rows are emitted oldest first and never twice. Query errors are
// logged and retried on the next tick. Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, emit func(weather.Record)) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	p.poll(ctx, emit)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.poll(ctx, emit)
		}
	}
}

// poll performs one check. The first successful call only records the
// current high-water mark.
func (p *Poller) poll(ctx context.Context, emit func(weather.Record)) {
	if !p.primed {
		ts, err := p.src.Latest(ctx)
		if err != nil {
			p.log.Error("archive: read latest record failed", "err", err)
			return
		}
		p.last = ts
		p.primed = true
		p.log.Info("archive: watching for new records", "after", ts)
		return
	}

	for {
		recs, err := p.src.Since(ctx, p.last, pollBatch)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("archive: poll failed", "after", p.last, "err", err)
			}
			return
		}
		for _, r := range recs {
			p.last = r.DateTime
			emit(r)
		}
		if len(recs) < pollBatch {
			return
		}
	}
}
