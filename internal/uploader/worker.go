package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/sprinkler/rainmachine-weewx/internal/metrics"
	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

const maxResponseBody = 64 << 10

var (
	// ErrDeliveryFailed wraps the last attempt's error once every try failed.
	ErrDeliveryFailed = errors.New("uploader: delivery failed")
	// ErrBadStatus is used when no ResponseChecker is configured and the
	// destination answers with a non-2xx status.
	ErrBadStatus = errors.New("uploader: unexpected http status")
)

// URLBuilder returns the endpoint a record is posted to.
type URLBuilder interface {
	URL() string
}

// Enricher prepares a dequeued record for the payload builder.
type Enricher interface {
	Enrich(ctx context.Context, rec weather.Record) (weather.Record, error)
}

// PayloadBuilder serializes an enriched record and names its content type.
type PayloadBuilder interface {
	Build(rec weather.Record) (body []byte, contentType string, err error)
}

// ResponseChecker decides whether a response counts as delivered.
type ResponseChecker interface {
	Check(status int, body []byte) error
}

// Strategies are the destination-specific parts of a Worker.
// Response is optional; without it any 2xx status is a success.
type Strategies struct {
	URL      URLBuilder
	Enricher Enricher
	Payload  PayloadBuilder
	Response ResponseChecker
}

// Settings is the delivery policy of a Worker plus its collaborators.
type Settings struct {
	// Name identifies the destination in log lines.
	Name string

	SkipUpload   bool
	PostInterval time.Duration
	MaxBacklog   int
	Stale        time.Duration
	LogSuccess   bool
	LogFailure   bool
	Timeout      time.Duration
	MaxTries     int
	RetryWait    time.Duration
	UserAgent    string

	Client  *http.Client
	Breaker *gobreaker.CircuitBreaker
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Outcome is what happened to one dequeued record.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeFailed
	OutcomeStale
	OutcomeTooSoon
	OutcomeDryRun
	OutcomeBreakerOpen
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	case OutcomeStale:
		return "stale"
	case OutcomeTooSoon:
		return "too_soon"
	case OutcomeDryRun:
		return "dry_run"
	case OutcomeBreakerOpen:
		return "breaker_open"
	case OutcomeAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Worker drains a Queue and posts each record to one destination.
// Records are handled strictly one at a time in queue order.
type Worker struct {
	queue *Queue
	strat Strategies
	set   Settings
	log   *slog.Logger

	now   func() time.Time                                 // injectable for tests
	sleep func(ctx context.Context, d time.Duration) error // injectable for tests

	lastPost int64
}

// NewWorker creates a Worker reading from q. Zero-valued Settings fields
// fall back to one try, a default http.Client and slog.Default().
func NewWorker(q *Queue, strat Strategies, set Settings) *Worker {
	if set.Client == nil {
		set.Client = &http.Client{}
	}
	if set.MaxTries <= 0 {
		set.MaxTries = 1
	}
	if set.Logger == nil {
		set.Logger = slog.Default()
	}
	if set.Name == "" {
		set.Name = "destination"
	}
	return &Worker{
		queue: q,
		strat: strat,
		set:   set,
		log:   set.Logger.With("destination", set.Name),
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Run processes records until ctx is cancelled or the queue is closed.
// No record-level failure stops it.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("uploader: worker started")
	defer w.log.Info("uploader: worker stopped")

	for {
		rec, err := w.next(ctx)
		if err != nil {
			return
		}
		w.process(ctx, rec)
	}
}

// next returns the next record to process, discarding records that have
// more than MaxBacklog newer records queued behind them.
func (w *Worker) next(ctx context.Context) (weather.Record, error) {
	for {
		rec, err := w.queue.Get(ctx)
		if err != nil {
			return weather.Record{}, err
		}
		pending := w.queue.Len()
		w.set.Metrics.SetQueueLength(pending)
		if pending <= w.set.MaxBacklog {
			return rec, nil
		}
		w.log.Info("uploader: backlog too large, discarding record",
			"record", rec.DateTime, "pending", pending, "max_backlog", w.set.MaxBacklog)
		w.set.Metrics.RecordSkipped(metrics.ReasonBacklog)
	}
}

// process runs the skip checks, enrichment, payload build and delivery for
// one record.
func (w *Worker) process(ctx context.Context, rec weather.Record) Outcome {
	start := w.now()
	log := w.log.With("record", rec.DateTime, "delivery_id", uuid.NewString())

	if w.set.Stale > 0 {
		age := start.Sub(rec.Time()).Truncate(time.Second)
		if age > w.set.Stale {
			log.Info("uploader: record is stale, skipping", "age", age, "stale", w.set.Stale)
			w.set.Metrics.RecordSkipped(metrics.ReasonStale)
			return OutcomeStale
		}
	}

	if w.set.PostInterval > 0 && w.lastPost != 0 {
		next := w.lastPost + int64(w.set.PostInterval/time.Second)
		if rec.DateTime < next {
			log.Debug("uploader: post interval not elapsed, skipping",
				"last_post", w.lastPost, "post_interval", w.set.PostInterval)
			w.set.Metrics.RecordSkipped(metrics.ReasonPostInterval)
			return OutcomeTooSoon
		}
	}

	enriched, err := w.strat.Enricher.Enrich(ctx, rec)
	if err != nil {
		w.fail(log, err)
		return OutcomeFailed
	}
	body, contentType, err := w.strat.Payload.Build(enriched)
	if err != nil {
		w.fail(log, err)
		return OutcomeFailed
	}
	w.lastPost = rec.DateTime

	if w.set.SkipUpload {
		log.Info("uploader: skipping upload", "bytes", len(body))
		w.set.Metrics.RecordSkipped(metrics.ReasonDryRun)
		return OutcomeDryRun
	}

	err = w.deliver(ctx, log, body, contentType)
	switch {
	case err == nil:
		if w.set.LogSuccess {
			log.Info("uploader: published record", "elapsed", w.now().Sub(start))
		}
		w.set.Metrics.RecordDelivered(w.now().Sub(start))
		return OutcomeDelivered

	case ctx.Err() != nil:
		log.Info("uploader: delivery abandoned on shutdown")
		return OutcomeAbandoned

	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		log.Warn("uploader: circuit breaker open, dropping record")
		w.set.Metrics.RecordSkipped(metrics.ReasonBreakerOpen)
		return OutcomeBreakerOpen

	default:
		w.fail(log, err)
		return OutcomeFailed
	}
}

func (w *Worker) fail(log *slog.Logger, err error) {
	if w.set.LogFailure {
		log.Error("uploader: failed to publish record", "err", err)
	}
	w.set.Metrics.RecordFailed()
}

// deliver runs the retry loop, through the circuit breaker when one is set.
func (w *Worker) deliver(ctx context.Context, log *slog.Logger, body []byte, contentType string) error {
	if w.set.Breaker == nil {
		return w.postWithRetries(ctx, log, body, contentType)
	}
	_, err := w.set.Breaker.Execute(func() (interface{}, error) {
		return nil, w.postWithRetries(ctx, log, body, contentType)
	})
	return err
}

// postWithRetries makes up to MaxTries attempts spaced by RetryWait.
func (w *Worker) postWithRetries(ctx context.Context, log *slog.Logger, body []byte, contentType string) error {
	var lastErr error
	for attempt := 1; attempt <= w.set.MaxTries; attempt++ {
		if attempt > 1 {
			if err := w.sleep(ctx, w.set.RetryWait); err != nil {
				return err
			}
		}

		w.set.Metrics.RecordAttempt()
		err := w.post(ctx, body, contentType)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		log.Debug("uploader: attempt failed",
			"attempt", attempt, "max_tries", w.set.MaxTries, "err", err)
	}
	return fmt.Errorf("%w after %d tries: %w", ErrDeliveryFailed, w.set.MaxTries, lastErr)
}

// post performs a single POST bounded by Timeout.
func (w *Worker) post(ctx context.Context, body []byte, contentType string) error {
	if w.set.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.set.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.strat.URL.URL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", redactURL(err))
	}
	req.Header.Set("Content-Type", contentType)
	if w.set.UserAgent != "" {
		req.Header.Set("User-Agent", w.set.UserAgent)
	}

	resp, err := w.set.Client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", redactURL(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if w.strat.Response != nil {
		return w.strat.Response.Check(resp.StatusCode, respBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	return nil
}

// redactURL strips the request URL, which carries the access token, from
// errors returned by net/http.
func redactURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
