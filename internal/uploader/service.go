package uploader

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/sprinkler/rainmachine-weewx/internal/config"
	"github.com/sprinkler/rainmachine-weewx/internal/metrics"
	"github.com/sprinkler/rainmachine-weewx/internal/rainmachine"
	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

// Version is reported at startup and in the User-Agent header.
const Version = "0.3.0"

const destinationName = "RainMachine"

// Deps are the collaborators a Service is wired to.
type Deps struct {
	// Stats supplies the daily temperature range. May be nil.
	Stats   rainmachine.RangeFetcher
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Client overrides the HTTP client built from the config.
	Client *http.Client
}

// Service binds the uploader to the archive record stream. A Service built
// from an incomplete config is disabled: it accepts records and ignores them.
type Service struct {
	queue   *Queue
	worker  *Worker
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewService validates cfg and builds the queue and worker. It never fails;
// a missing ip or token is logged and yields a disabled Service.
func NewService(cfg config.RainMachineConfig, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("uploader: service version", "version", Version)

	s := &Service{log: log, metrics: deps.Metrics}
	if err := cfg.Validate(); err != nil {
		log.Error("uploader: data will not be posted", "err", err)
		return s
	}

	dest := rainmachine.Destination{
		IP:       cfg.IP,
		Token:    cfg.ResolvedToken(),
		Protocol: cfg.Protocol,
		Table:    rainmachine.DefaultTable,
	}
	client := deps.Client
	if client == nil {
		client = NewHTTPClient(cfg.VerifyTLS)
	}

	s.queue = NewQueue()
	s.worker = NewWorker(s.queue, Strategies{
		URL:      dest,
		Enricher: rainmachine.NewEnricher(deps.Stats),
		Payload:  dest,
		Response: dest,
	}, Settings{
		Name:         destinationName,
		SkipUpload:   cfg.SkipUpload,
		PostInterval: cfg.PostInterval,
		MaxBacklog:   cfg.MaxBacklog,
		Stale:        cfg.Stale,
		LogSuccess:   cfg.LogSuccess,
		LogFailure:   cfg.LogFailure,
		Timeout:      cfg.Timeout,
		MaxTries:     cfg.MaxTries,
		RetryWait:    cfg.RetryWait,
		UserAgent:    "rainmachine-weewx/" + Version,
		Client:       client,
		Breaker:      newBreaker(cfg, log),
		Logger:       log,
		Metrics:      deps.Metrics,
	})

	log.Info("uploader: data will be uploaded", "destination", dest.Redacted(),
		"skip_upload", cfg.SkipUpload)
	return s
}

// newBreaker returns nil when the breaker is disabled.
func newBreaker(cfg config.RainMachineConfig, log *slog.Logger) *gobreaker.CircuitBreaker {
	if cfg.BreakerFailures <= 0 {
		return nil
	}
	threshold := uint32(cfg.BreakerFailures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        destinationName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("uploader: circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Enabled reports whether records are being uploaded.
func (s *Service) Enabled() bool {
	return s.worker != nil
}

// NewArchiveRecord queues a copy of rec. It never blocks and never fails.
func (s *Service) NewArchiveRecord(rec weather.Record) {
	if !s.Enabled() {
		return
	}
	s.queue.Put(rec.Clone())
	s.metrics.RecordEnqueued()
	s.metrics.SetQueueLength(s.queue.Len())
}

// Run drives the worker until ctx is cancelled or Close is called. It returns
// immediately for a disabled Service.
func (s *Service) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.worker.Run(ctx)
}

// Close stops the worker and drops any records still queued.
func (s *Service) Close() {
	if s.Enabled() {
		s.queue.Close()
	}
}
