package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a backup or restore run.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	RunDuration   prometheus.Histogram
	BytesTotal    *prometheus.CounterVec
	ChunksWritten prometheus.Counter
	ChunksRead    prometheus.Counter
	ChunksRetried *prometheus.CounterVec

	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
	MacVerificationsTotal   *prometheus.CounterVec

	FECEnabled              prometheus.Gauge
	FECReconstructionsTotal prometheus.Counter
	FECReconstructionFailed prometheus.Counter
	FECParityShardsSent     prometheus.Counter

	HostCatalogOpsTotal *prometheus.CounterVec

	activeRuns int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vmbackup_runs_total", Help: "Backup/restore runs initiated"},
			[]string{"direction", "status"},
		),
		RunsActive: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "vmbackup_runs_active", Help: "Currently active runs"},
		),
		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vmbackup_run_duration_seconds",
				Help:    "Run completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		BytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vmbackup_bytes_total", Help: "Total bytes processed"},
			[]string{"direction"},
		),
		ChunksWritten: promauto.NewCounter(
			prometheus.CounterOpts{Name: "vmbackup_chunks_written_total", Help: "Chunks written by the producer"},
		),
		ChunksRead: promauto.NewCounter(
			prometheus.CounterOpts{Name: "vmbackup_chunks_read_total", Help: "Chunks read by the consumer"},
		),
		ChunksRetried: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vmbackup_chunks_retried_total", Help: "Chunk transfers requiring a retry"},
			[]string{"reason"},
		),
		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vmbackup_crypto_operations_total", Help: "Cryptographic operations performed"},
			[]string{"operation", "algorithm"},
		),
		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vmbackup_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
		MacVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vmbackup_mac_verifications_total", Help: "Chunk MAC verifications"},
			[]string{"result"},
		),
		FECEnabled: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "vmbackup_fec_enabled", Help: "FEC currently enabled on the network transport (0/1)"},
		),
		FECReconstructionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "vmbackup_fec_reconstructions_total", Help: "Chunks reconstructed via FEC parity"},
		),
		FECReconstructionFailed: promauto.NewCounter(
			prometheus.CounterOpts{Name: "vmbackup_fec_reconstruction_failures_total", Help: "Failed FEC reconstructions"},
		),
		FECParityShardsSent: promauto.NewCounter(
			prometheus.CounterOpts{Name: "vmbackup_fec_parity_shards_sent_total", Help: "Parity shards transmitted"},
		),
		HostCatalogOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vmbackup_host_catalog_operations_total", Help: "Host catalog store operations"},
			[]string{"operation", "result"},
		),
	}
}

// RecordRunStart increments active-run counters.
func (m *Metrics) RecordRunStart() {
	atomic.AddInt64(&m.activeRuns, 1)
	m.RunsActive.Set(float64(atomic.LoadInt64(&m.activeRuns)))
}

// RecordRunComplete records run completion metrics.
func (m *Metrics) RecordRunComplete(direction string, success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeRuns, -1)
	m.RunsActive.Set(float64(atomic.LoadInt64(&m.activeRuns)))

	status := "success"
	if !success {
		status = "failure"
	}
	m.RunsTotal.WithLabelValues(direction, status).Inc()
	m.RunDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordChunkWritten(bytes int) {
	m.ChunksWritten.Inc()
	m.BytesTotal.WithLabelValues("written").Add(float64(bytes))
}

func (m *Metrics) RecordChunkRead(bytes int) {
	m.ChunksRead.Inc()
	m.BytesTotal.WithLabelValues("read").Add(float64(bytes))
}

func (m *Metrics) RecordChunkRetry(reason string) {
	m.ChunksRetried.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCryptoOperation(operation, algorithm string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation, algorithm).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordMacVerification(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MacVerificationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetFECEnabled(enabled bool) {
	if enabled {
		m.FECEnabled.Set(1)
	} else {
		m.FECEnabled.Set(0)
	}
}

func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailed.Inc()
	}
}

func (m *Metrics) RecordHostCatalogOp(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.HostCatalogOpsTotal.WithLabelValues(operation, result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
