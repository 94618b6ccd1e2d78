package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

// --- stubs ---

type stubURL string

func (s stubURL) URL() string { return string(s) }

type stubEnricher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *stubEnricher) Enrich(_ context.Context, r weather.Record) (weather.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return weather.Record{}, e.err
	}
	return r, nil
}

func (e *stubEnricher) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type stubPayload struct {
	mu    sync.Mutex
	calls int
}

func (p *stubPayload) Build(r weather.Record) ([]byte, string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return []byte(fmt.Sprintf(`{"ts":%d}`, r.DateTime)), "application/json", nil
}

// roundTripFunc lets tests replace the network.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// countingTransport fails every request with a transport error.
type countingTransport struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil, errors.New("connection refused")
}

func (c *countingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recordingServer is a destination that answers with a scripted status list;
// once the list is exhausted it answers 200.
type recordingServer struct {
	*httptest.Server
	mu       sync.Mutex
	statuses []int
	requests []*http.Request
	bodies   []string
}

func newRecordingServer(t *testing.T, statuses ...int) *recordingServer {
	t.Helper()
	rs := &recordingServer{statuses: statuses}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, r)
		rs.bodies = append(rs.bodies, string(body))
		status := http.StatusOK
		if len(rs.statuses) > 0 {
			status = rs.statuses[0]
			rs.statuses = rs.statuses[1:]
		}
		rs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) hits() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.requests)
}

func (rs *recordingServer) received() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.bodies...)
}

// --- helpers ---

var testNow = time.Unix(1000000, 0)

type harness struct {
	w        *Worker
	enricher *stubEnricher
	payload  *stubPayload
	logs     *bytes.Buffer
	sleeps   []time.Duration
}

func newHarness(url string, set Settings) *harness {
	h := &harness{
		enricher: &stubEnricher{},
		payload:  &stubPayload{},
		logs:     &bytes.Buffer{},
	}
	set.Logger = slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.w = NewWorker(NewQueue(), Strategies{
		URL:      stubURL(url),
		Enricher: h.enricher,
		Payload:  h.payload,
	}, set)
	h.w.now = func() time.Time { return testNow }
	h.w.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func defaultSettings() Settings {
	return Settings{
		Name:       "test",
		LogSuccess: true,
		LogFailure: true,
		Timeout:    2 * time.Second,
		MaxTries:   3,
		RetryWait:  5 * time.Second,
		UserAgent:  "rainmachine-weewx/test",
	}
}

// --- tests ---

func TestWorker_Delivers(t *testing.T) {
	srv := newRecordingServer(t)
	h := newHarness(srv.URL+"/api/4/parser/data?access_token=x", defaultSettings())

	got := h.w.process(context.Background(), rec(999000))
	if got != OutcomeDelivered {
		t.Fatalf("outcome = %s, want delivered", got)
	}
	if srv.hits() != 1 {
		t.Fatalf("server hits = %d, want 1", srv.hits())
	}

	req := srv.requests[0]
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ua := req.Header.Get("User-Agent"); ua != "rainmachine-weewx/test" {
		t.Errorf("User-Agent = %q", ua)
	}
	if req.URL.Query().Get("access_token") != "x" {
		t.Errorf("access_token lost: %s", req.URL)
	}
	if srv.received()[0] != `{"ts":999000}` {
		t.Errorf("body = %s", srv.received()[0])
	}
	if !strings.Contains(h.logs.String(), "published record") {
		t.Errorf("success not logged:\n%s", h.logs)
	}
}

func TestWorker_StaleRecordSkipped(t *testing.T) {
	srv := newRecordingServer(t)
	set := defaultSettings()
	set.Stale = 3600 * time.Second
	h := newHarness(srv.URL, set)

	got := h.w.process(context.Background(), rec(testNow.Unix()-7200))
	if got != OutcomeStale {
		t.Fatalf("outcome = %s, want stale", got)
	}
	if srv.hits() != 0 {
		t.Errorf("stale record was posted %d times", srv.hits())
	}
	if h.enricher.count() != 0 {
		t.Error("stale record was enriched")
	}
	if !strings.Contains(h.logs.String(), "record is stale") {
		t.Errorf("skip not logged:\n%s", h.logs)
	}

	// A fresh record under the same policy goes through.
	if got := h.w.process(context.Background(), rec(testNow.Unix()-60)); got != OutcomeDelivered {
		t.Errorf("fresh record outcome = %s, want delivered", got)
	}
}

func TestWorker_RetryBoundTransportError(t *testing.T) {
	tr := &countingTransport{}
	set := defaultSettings()
	set.Client = &http.Client{Transport: tr}
	h := newHarness("http://rainmachine.invalid:8081/api/4/parser/data?access_token=secret-token", set)

	got := h.w.process(context.Background(), rec(testNow.Unix()))
	if got != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", got)
	}
	if n := tr.count(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if len(h.sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2 waits between 3 attempts", h.sleeps)
	}
	for i, d := range h.sleeps {
		if d != 5*time.Second {
			t.Errorf("sleep[%d] = %v, want 5s", i, d)
		}
	}
	logs := h.logs.String()
	if !strings.Contains(logs, "failed to publish record") {
		t.Errorf("final failure not logged:\n%s", logs)
	}
	if strings.Contains(logs, "secret-token") {
		t.Errorf("access token leaked into logs:\n%s", logs)
	}
}

func TestWorker_RetriesNon2xx(t *testing.T) {
	srv := newRecordingServer(t, 500, 503, 502)
	h := newHarness(srv.URL, defaultSettings())

	if got := h.w.process(context.Background(), rec(testNow.Unix())); got != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", got)
	}
	if srv.hits() != 3 {
		t.Errorf("server hits = %d, want 3", srv.hits())
	}
}

func TestWorker_SucceedsAfterRetry(t *testing.T) {
	srv := newRecordingServer(t, http.StatusServiceUnavailable)
	h := newHarness(srv.URL, defaultSettings())

	if got := h.w.process(context.Background(), rec(testNow.Unix())); got != OutcomeDelivered {
		t.Fatalf("outcome = %s, want delivered", got)
	}
	if srv.hits() != 2 {
		t.Errorf("server hits = %d, want 2", srv.hits())
	}
	if len(h.sleeps) != 1 {
		t.Errorf("sleeps = %v, want one wait", h.sleeps)
	}
}

func TestWorker_ResponseCheckerFailureRetried(t *testing.T) {
	srv := newRecordingServer(t)
	h := newHarness(srv.URL, defaultSettings())
	rejected := errors.New("rejected")
	var checks int
	h.w.strat.Response = checkFunc(func(status int, _ []byte) error {
		checks++
		if checks == 1 {
			return rejected
		}
		return nil
	})

	if got := h.w.process(context.Background(), rec(testNow.Unix())); got != OutcomeDelivered {
		t.Fatalf("outcome = %s, want delivered", got)
	}
	if checks != 2 || srv.hits() != 2 {
		t.Errorf("checks = %d, hits = %d, want 2 and 2", checks, srv.hits())
	}
}

type checkFunc func(int, []byte) error

func (f checkFunc) Check(status int, body []byte) error { return f(status, body) }

func TestWorker_DryRun(t *testing.T) {
	tr := &countingTransport{}
	set := defaultSettings()
	set.SkipUpload = true
	set.Client = &http.Client{Transport: tr}
	h := newHarness("http://unused", set)

	for i := int64(0); i < 3; i++ {
		if got := h.w.process(context.Background(), rec(testNow.Unix()+i*3600)); got != OutcomeDryRun {
			t.Fatalf("outcome = %s, want dry_run", got)
		}
	}
	if n := tr.count(); n != 0 {
		t.Errorf("transport invoked %d times in dry-run mode", n)
	}
	if h.enricher.count() != 3 || h.payload.calls != 3 {
		t.Errorf("enrich/build calls = %d/%d, want 3/3", h.enricher.count(), h.payload.calls)
	}
	if !strings.Contains(h.logs.String(), "skipping upload") {
		t.Errorf("dry run not logged:\n%s", h.logs)
	}
}

func TestWorker_PostInterval(t *testing.T) {
	srv := newRecordingServer(t)
	set := defaultSettings()
	set.PostInterval = time.Hour
	h := newHarness(srv.URL, set)
	ctx := context.Background()

	base := testNow.Unix() - 7200
	if got := h.w.process(ctx, rec(base)); got != OutcomeDelivered {
		t.Fatalf("first record outcome = %s", got)
	}
	if got := h.w.process(ctx, rec(base+1800)); got != OutcomeTooSoon {
		t.Errorf("record 30m later outcome = %s, want too_soon", got)
	}
	if got := h.w.process(ctx, rec(base+3600)); got != OutcomeDelivered {
		t.Errorf("record 1h later outcome = %s, want delivered", got)
	}
	if srv.hits() != 2 {
		t.Errorf("server hits = %d, want 2", srv.hits())
	}
}

func TestWorker_EnrichFailureDropsRecord(t *testing.T) {
	srv := newRecordingServer(t)
	h := newHarness(srv.URL, defaultSettings())
	h.enricher.err = weather.ErrUnknownUnitSystem

	if got := h.w.process(context.Background(), rec(testNow.Unix())); got != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", got)
	}
	if srv.hits() != 0 {
		t.Errorf("record posted despite enrichment failure")
	}
}

func TestWorker_LogFailureDisabled(t *testing.T) {
	srv := newRecordingServer(t, 500, 500, 500)
	set := defaultSettings()
	set.LogFailure = false
	set.LogSuccess = false
	h := newHarness(srv.URL, set)

	h.w.process(context.Background(), rec(testNow.Unix()))
	if strings.Contains(h.logs.String(), "failed to publish") {
		t.Errorf("failure logged with log_failure=false:\n%s", h.logs)
	}
	h.w.process(context.Background(), rec(testNow.Unix()+1))
	if strings.Contains(h.logs.String(), "published record") {
		t.Errorf("success logged with log_success=false:\n%s", h.logs)
	}
}

func TestWorker_BacklogDropsOldest(t *testing.T) {
	tests := []struct {
		maxBacklog int
		want       []int64
	}{
		{0, []int64{5}},
		{1, []int64{4, 5}},
		{10, []int64{1, 2, 3, 4, 5}},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("max_backlog=%d", tc.maxBacklog), func(t *testing.T) {
			set := defaultSettings()
			set.MaxBacklog = tc.maxBacklog
			h := newHarness("http://unused", set)
			for i := int64(1); i <= 5; i++ {
				h.w.queue.Put(rec(i))
			}

			var got []int64
			for h.w.queue.Len() > 0 {
				r, err := h.w.next(context.Background())
				if err != nil {
					t.Fatalf("next() error = %v", err)
				}
				got = append(got, r.DateTime)
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Errorf("processed %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWorker_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := newRecordingServer(t, 500, 500, 500, 500)
	set := defaultSettings()
	set.MaxTries = 1
	set.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "test",
		Timeout: time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	})
	h := newHarness(srv.URL, set)
	ctx := context.Background()

	want := []Outcome{OutcomeFailed, OutcomeFailed, OutcomeBreakerOpen}
	for i, w := range want {
		if got := h.w.process(ctx, rec(testNow.Unix()+int64(i))); got != w {
			t.Errorf("record %d outcome = %s, want %s", i, got, w)
		}
	}
	if srv.hits() != 2 {
		t.Errorf("server hits = %d, want 2 (third record short-circuited)", srv.hits())
	}
}

func TestWorker_RunPreservesOrder(t *testing.T) {
	srv := newRecordingServer(t)
	set := defaultSettings()
	set.MaxBacklog = 100
	h := newHarness(srv.URL, set)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.w.Run(ctx)
		close(done)
	}()

	for i := int64(1); i <= 5; i++ {
		h.w.queue.Put(rec(testNow.Unix() + i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.hits() < 5 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	bodies := srv.received()
	if len(bodies) != 5 {
		t.Fatalf("server received %d records, want 5", len(bodies))
	}
	for i, b := range bodies {
		want := fmt.Sprintf(`{"ts":%d}`, testNow.Unix()+int64(i)+1)
		if b != want {
			t.Errorf("body[%d] = %s, want %s", i, b, want)
		}
	}
}

func TestWorker_ShutdownDuringRetryWait(t *testing.T) {
	srv := newRecordingServer(t, 500, 500, 500)
	set := defaultSettings()
	set.RetryWait = time.Hour
	h := newHarness(srv.URL, set)
	h.w.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	outcome := make(chan Outcome, 1)
	go func() {
		outcome <- h.w.process(ctx, rec(testNow.Unix()))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.hits() < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case got := <-outcome:
		if got != OutcomeAbandoned {
			t.Errorf("outcome = %s, want abandoned", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process() did not return after cancellation")
	}
}

func TestWorker_RunStopsOnClose(t *testing.T) {
	h := newHarness("http://unused", defaultSettings())
	done := make(chan struct{})
	go func() {
		h.w.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	h.w.queue.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after queue Close")
	}
}

func TestWorker_AttemptTimeout(t *testing.T) {
	set := defaultSettings()
	set.Timeout = 20 * time.Millisecond
	set.MaxTries = 2
	set.Client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	})}
	h := newHarness("http://slow.invalid", set)

	start := time.Now()
	got := h.w.process(context.Background(), rec(testNow.Unix()))
	if got != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timed-out attempts took %v", elapsed)
	}
}

func TestOutcome_String(t *testing.T) {
	if OutcomeDelivered.String() != "delivered" || OutcomeBreakerOpen.String() != "breaker_open" {
		t.Error("outcome names wrong")
	}
	if got := Outcome(99).String(); got != "Outcome(99)" {
		t.Errorf("String() = %q", got)
	}
}
