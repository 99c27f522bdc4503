package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the core exposes, grounded on
// the teacher's observability.Metrics shape — renamed from transfer
// metrics to capture/evidence-pipeline metrics.
type Metrics struct {
	SessionsTotal       *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	SessionDuration      prometheus.Histogram
	ChunksCapturedTotal  prometheus.Counter
	ChunksAnchoredTotal  prometheus.Counter
	ChunksFailedTotal    *prometheus.CounterVec
	BytesCapturedTotal   prometheus.Counter

	UploadQueueDepth        prometheus.Gauge
	UploadRetriesTotal      *prometheus.CounterVec
	UploadDuration          prometheus.Histogram

	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
	MerkleVerificationsTotal *prometheus.CounterVec

	AnchorLogWritesTotal    *prometheus.CounterVec
	DatabaseOperationsTotal *prometheus.CounterVec
	DiskSpaceUsedBytes      prometheus.Gauge
	QuotaFraction           prometheus.Gauge

	activeSessions int64
}

// NewMetrics creates and registers every metric.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "witness_sessions_total", Help: "Total capture sessions started"},
			[]string{"status"},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "witness_sessions_active", Help: "Currently recording sessions"},
		),
		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witness_session_duration_seconds",
				Help:    "Session recording duration distribution",
				Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
			},
		),
		ChunksCapturedTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "witness_chunks_captured_total", Help: "Total chunks accepted from capture"},
		),
		ChunksAnchoredTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "witness_chunks_anchored_total", Help: "Total chunks committed to the anchor log"},
		),
		ChunksFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "witness_chunks_failed_total", Help: "Chunks that reached the failed terminal state"},
			[]string{"reason"},
		),
		BytesCapturedTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "witness_bytes_captured_total", Help: "Total plaintext bytes captured"},
		),
		UploadQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "witness_upload_queue_depth", Help: "Pending items in the upload queue"},
		),
		UploadRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "witness_upload_retries_total", Help: "Upload retry attempts"},
			[]string{"outcome"},
		),
		UploadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witness_upload_duration_seconds",
				Help:    "Object store upload latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
		),
		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "witness_crypto_operations_total", Help: "Cryptographic operations performed"},
			[]string{"operation"},
		),
		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witness_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		MerkleVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "witness_merkle_verifications_total", Help: "Merkle root verifications performed"},
			[]string{"result"},
		),
		AnchorLogWritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "witness_anchor_log_writes_total", Help: "Anchor log UpdateSession calls"},
			[]string{"result"},
		),
		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "witness_database_operations_total", Help: "Durable store operation count"},
			[]string{"operation", "result"},
		),
		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "witness_disk_space_used_bytes", Help: "Disk space used by the durable store"},
		),
		QuotaFraction: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "witness_quota_fraction", Help: "Durable store usage as a fraction of quota"},
		),
	}
}

// RecordSessionStart increments the active-session gauge.
func (m *Metrics) RecordSessionStart() {
	atomic.AddInt64(&m.activeSessions, 1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))
}

// RecordSessionEnd records a session's terminal state and duration.
func (m *Metrics) RecordSessionEnd(status string, durationSeconds float64) {
	atomic.AddInt64(&m.activeSessions, -1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunkCaptured updates capture throughput metrics.
func (m *Metrics) RecordChunkCaptured(sizeBytes int) {
	m.ChunksCapturedTotal.Inc()
	m.BytesCapturedTotal.Add(float64(sizeBytes))
}

// RecordChunkAnchored increments the anchored-chunk counter.
func (m *Metrics) RecordChunkAnchored() { m.ChunksAnchoredTotal.Inc() }

// RecordChunkFailed increments the failed-chunk counter for reason.
func (m *Metrics) RecordChunkFailed(reason string) { m.ChunksFailedTotal.WithLabelValues(reason).Inc() }

// RecordUploadRetry records an upload retry outcome.
func (m *Metrics) RecordUploadRetry(outcome string) { m.UploadRetriesTotal.WithLabelValues(outcome).Inc() }

// RecordUpload records one upload attempt's latency.
func (m *Metrics) RecordUpload(durationSeconds float64) { m.UploadDuration.Observe(durationSeconds) }

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordMerkleVerification increments Merkle verification counters.
func (m *Metrics) RecordMerkleVerification(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MerkleVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordAnchorLogWrite increments anchor log write counters.
func (m *Metrics) RecordAnchorLogWrite(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.AnchorLogWritesTotal.WithLabelValues(result).Inc()
}

// SetQuota updates the quota gauges from the latest store.QuotaStatus.
func (m *Metrics) SetQuota(usedBytes, quotaBytes int64) {
	m.DiskSpaceUsedBytes.Set(float64(usedBytes))
	if quotaBytes > 0 {
		m.QuotaFraction.Set(float64(usedBytes) / float64(quotaBytes))
	}
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
