package metrics

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/metricsd/metricsd/pkg/utils"
)

// DefaultDurationBuckets are the request duration histogram bounds in
// seconds, used when the configuration does not override them.
var DefaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0, 7.5, 10.0,
}

var (
	defaultSizeBuckets       = []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576}
	defaultProcessingBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}
)

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultMaxRequestAge   = 5 * time.Minute
)

// TrackerConfig configures the request tracker and its stale-entry reaper.
type TrackerConfig struct {
	// DurationBuckets overrides the request duration histogram bounds.
	DurationBuckets []float64

	// CleanupInterval is how often the reaper scans the in-flight table.
	CleanupInterval time.Duration

	// MaxRequestAge is the age past which an in-flight entry is evicted.
	MaxRequestAge time.Duration

	// Logger for tracker events.
	Logger *utils.StructuredLogger
}

// inflightRequest is one entry of the in-flight table.
type inflightRequest struct {
	method   string
	endpoint string
	start    time.Time
}

// RequestTracker correlates request start/end events and accumulates the
// HTTP instruments. Each open request is keyed by an opaque random id, so
// concurrent requests for the same method and endpoint never collide.
//
// The in-flight table is bounded by the reaper: entries whose completion is
// never observed (a crashed handler, a lost goroutine) are evicted after
// MaxRequestAge and their in-progress gauge contribution is compensated.
type RequestTracker struct {
	logger *utils.StructuredLogger
	now    func() time.Time

	requestsTotal     *Counter
	exceptionsTotal   *Counter
	durationSeconds   *Histogram
	processingSeconds *Histogram
	requestSizeBytes  *Histogram
	responseSizeBytes *Histogram
	inProgress        *Gauge

	mu       sync.Mutex
	inflight map[string]inflightRequest

	cleanupInterval time.Duration
	maxRequestAge   time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	active          int32
}

// NewRequestTracker registers the HTTP instruments on the registry and
// returns a tracker ready for use.
func NewRequestTracker(reg *Registry, config TrackerConfig) (*RequestTracker, error) {
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(nil)
	}
	if len(config.DurationBuckets) == 0 {
		config.DurationBuckets = DefaultDurationBuckets
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if config.MaxRequestAge <= 0 {
		config.MaxRequestAge = defaultMaxRequestAge
	}

	t := &RequestTracker{
		logger:          config.Logger.WithComponent("tracker"),
		now:             time.Now,
		inflight:        make(map[string]inflightRequest),
		cleanupInterval: config.CleanupInterval,
		maxRequestAge:   config.MaxRequestAge,
	}

	var err error
	if t.requestsTotal, err = reg.NewCounter(
		"http_requests_total",
		"Total number of HTTP requests",
		"method", "endpoint", "status_code",
	); err != nil {
		return nil, err
	}
	if t.durationSeconds, err = reg.NewHistogram(
		"http_request_duration_seconds",
		"HTTP request duration in seconds",
		config.DurationBuckets,
		"method", "endpoint",
	); err != nil {
		return nil, err
	}
	if t.processingSeconds, err = reg.NewHistogram(
		"http_request_processing_seconds",
		"Time spent processing HTTP requests",
		defaultProcessingBuckets,
		"method", "endpoint",
	); err != nil {
		return nil, err
	}
	if t.requestSizeBytes, err = reg.NewHistogram(
		"http_request_size_bytes",
		"HTTP request size in bytes",
		defaultSizeBuckets,
		"method", "endpoint",
	); err != nil {
		return nil, err
	}
	if t.responseSizeBytes, err = reg.NewHistogram(
		"http_response_size_bytes",
		"HTTP response size in bytes",
		defaultSizeBuckets,
		"method", "endpoint",
	); err != nil {
		return nil, err
	}
	if t.inProgress, err = reg.NewGauge(
		"http_requests_in_progress",
		"Number of HTTP requests currently being processed",
		"method", "endpoint",
	); err != nil {
		return nil, err
	}
	if t.exceptionsTotal, err = reg.NewCounter(
		"http_requests_exceptions_total",
		"Total number of HTTP requests that resulted in exceptions",
		"method", "endpoint", "exception_kind",
	); err != nil {
		return nil, err
	}

	return t, nil
}

// Start begins tracking a request and returns its opaque tracking id.
// A requestSize below zero means the size is unknown and is not recorded.
func (t *RequestTracker) Start(method, endpoint string, requestSize int64) string {
	id := gonanoid.Must()

	t.mu.Lock()
	t.inflight[id] = inflightRequest{
		method:   method,
		endpoint: endpoint,
		start:    t.now(),
	}
	t.mu.Unlock()

	t.record("start", t.inProgress.Inc(method, endpoint))
	if requestSize >= 0 {
		t.record("start", t.requestSizeBytes.Observe(float64(requestSize), method, endpoint))
	}

	return id
}

// End completes tracking of a request. An unknown or already-completed id
// logs a warning and leaves every instrument untouched; the request path is
// never failed by its own instrumentation. A responseSize below zero means
// the size is unknown. A non-empty exceptionKind marks the request as
// failed with that kind.
func (t *RequestTracker) End(id, method, endpoint string, statusCode int, responseSize int64, exceptionKind string) {
	t.mu.Lock()
	entry, ok := t.inflight[id]
	if ok {
		delete(t.inflight, id)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("request id not found in in-flight table", map[string]interface{}{
			"request_id": id,
			"method":     method,
			"endpoint":   endpoint,
		})
		return
	}

	duration := t.now().Sub(entry.start).Seconds()

	t.record("end", t.requestsTotal.Inc(method, endpoint, strconv.Itoa(statusCode)))
	t.record("end", t.durationSeconds.Observe(duration, method, endpoint))
	t.record("end", t.processingSeconds.Observe(duration, method, endpoint))
	t.record("end", t.inProgress.Dec(entry.method, entry.endpoint))

	if responseSize >= 0 {
		t.record("end", t.responseSizeBytes.Observe(float64(responseSize), method, endpoint))
	}
	if exceptionKind != "" {
		t.record("end", t.exceptionsTotal.Inc(method, endpoint, exceptionKind))
	}
}

// Reap removes every in-flight entry older than maxAge and compensates its
// in-progress gauge contribution. It returns the number of evicted entries.
// Removal happens under the table lock, so a Reap racing an End for the
// same id results in exactly one of them performing the removal and the
// single matching gauge decrement.
func (t *RequestTracker) Reap(maxAge time.Duration) int {
	now := t.now()

	t.mu.Lock()
	var stale []inflightRequest
	var staleIDs []string
	for id, entry := range t.inflight {
		if now.Sub(entry.start) > maxAge {
			stale = append(stale, entry)
			staleIDs = append(staleIDs, id)
			delete(t.inflight, id)
		}
	}
	t.mu.Unlock()

	for i, entry := range stale {
		t.logger.Warn("evicting stale in-flight request", map[string]interface{}{
			"request_id": staleIDs[i],
			"method":     entry.method,
			"endpoint":   entry.endpoint,
			"age":        now.Sub(entry.start).String(),
		})
		t.record("reap", t.inProgress.Dec(entry.method, entry.endpoint))
	}

	return len(stale)
}

// ActiveCount returns the number of requests currently in flight.
func (t *RequestTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// StartReaper launches the background loop that periodically evicts stale
// in-flight entries.
func (t *RequestTracker) StartReaper(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.active, 0, 1) {
		return fmt.Errorf("reaper already running")
	}

	t.logger.Info("starting stale request reaper", map[string]interface{}{
		"cleanup_interval": t.cleanupInterval.String(),
		"max_request_age":  t.maxRequestAge.String(),
	})

	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.reaperLoop(ctx)

	return nil
}

// StopReaper stops the reaper loop and waits for it to exit. Shutdown
// latency is bounded by one cleanup interval.
func (t *RequestTracker) StopReaper() {
	if !atomic.CompareAndSwapInt32(&t.active, 1, 0) {
		return
	}
	close(t.stopCh)
	t.wg.Wait()
}

func (t *RequestTracker) reaperLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			if n := t.Reap(t.maxRequestAge); n > 0 {
				t.logger.Info("reaped stale in-flight requests", map[string]interface{}{
					"evicted": n,
				})
			}
		}
	}
}

// record logs and suppresses instrument errors. Instrumentation mistakes
// must never surface into the request path.
func (t *RequestTracker) record(op string, err error) {
	if err != nil {
		t.logger.Error("metric update failed", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	}
}
