package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/artpromedia/payhook/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Recorder tracks webhook throughput. Prometheus collectors feed the
// dashboard; the in-memory counters back the Snapshot accessor. Neither is
// persisted and neither is authoritative for audit — the ledger is.
type Recorder struct {
	ReceivedTotal     prometheus.Counter
	OutcomeTotal      *prometheus.CounterVec
	EventTypeTotal    *prometheus.CounterVec
	ProcessingSeconds prometheus.Histogram

	registry *prometheus.Registry
	logger   *log.Logger

	mu         sync.Mutex
	total      uint64
	success    uint64
	failure    uint64
	skipped    uint64
	latencySum time.Duration
	latencyN   uint64
	perType    map[string]uint64
}

// Snapshot is a point-in-time copy of the in-memory counters.
type Snapshot struct {
	Total          uint64            `json:"total"`
	Success        uint64            `json:"success"`
	Failure        uint64            `json:"failure"`
	Skipped        uint64            `json:"skipped"`
	AverageLatency time.Duration     `json:"average_latency"`
	PerType        map[string]uint64 `json:"per_type"`
}

func NewRecorder(registry *prometheus.Registry, logger *log.Logger) *Recorder {
	m := &Recorder{
		ReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payhook_received_total",
			Help: "Total number of webhook events claimed for processing",
		}),
		OutcomeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payhook_outcome_total",
				Help: "Processing outcomes by status",
			},
			[]string{"outcome"},
		),
		EventTypeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payhook_event_type_total",
				Help: "Claimed events by provider event type",
			},
			[]string{"event_type"},
		),
		ProcessingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payhook_processing_seconds",
			Help:    "Handler processing duration including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		registry: registry,
		logger:   logger,
		perType:  make(map[string]uint64),
	}

	registry.MustRegister(
		m.ReceivedTotal,
		m.OutcomeTotal,
		m.EventTypeTotal,
		m.ProcessingSeconds,
	)
	return m
}

func (m *Recorder) Received(eventType string) {
	m.ReceivedTotal.Inc()
	m.EventTypeTotal.WithLabelValues(eventType).Inc()

	m.mu.Lock()
	m.total++
	m.perType[eventType]++
	m.mu.Unlock()
}

func (m *Recorder) Completed(d time.Duration) {
	m.OutcomeTotal.WithLabelValues("completed").Inc()
	m.ProcessingSeconds.Observe(d.Seconds())

	m.mu.Lock()
	m.success++
	m.latencySum += d
	m.latencyN++
	m.mu.Unlock()
}

func (m *Recorder) Failed(d time.Duration) {
	m.OutcomeTotal.WithLabelValues("dead_lettered").Inc()
	m.ProcessingSeconds.Observe(d.Seconds())

	m.mu.Lock()
	m.failure++
	m.latencySum += d
	m.latencyN++
	m.mu.Unlock()
}

func (m *Recorder) Skipped() {
	m.OutcomeTotal.WithLabelValues("skipped").Inc()

	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()
}

func (m *Recorder) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Total:   m.total,
		Success: m.success,
		Failure: m.failure,
		Skipped: m.skipped,
		PerType: make(map[string]uint64, len(m.perType)),
	}
	if m.latencyN > 0 {
		snap.AverageLatency = m.latencySum / time.Duration(m.latencyN)
	}
	for t, n := range m.perType {
		snap.PerType[t] = n
	}
	return snap
}

// Serve runs the Prometheus scrape endpoint until ctx is canceled.
func (m *Recorder) Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
