// Package metrics provides Prometheus metrics for the tgstate server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgstate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgstate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgstate_uploads_total",
			Help: "Total number of file uploads",
		},
		[]string{"strategy", "status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgstate_upload_bytes_total",
			Help: "Total bytes stored through uploads",
		},
	)

	chunksSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgstate_chunks_sent_total",
			Help: "Total chunk messages sent per backend",
		},
		[]string{"backend", "status"},
	)

	// Download metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgstate_downloads_total",
			Help: "Total number of download streams",
		},
		[]string{"status"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgstate_download_bytes_total",
			Help: "Total bytes streamed to download clients",
		},
	)

	chunkFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgstate_chunk_fetch_duration_seconds",
			Help:    "Time to fetch one chunk from a backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "status"},
	)

	// Delete metrics
	deletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgstate_deletes_total",
			Help: "Total delete operations",
		},
		[]string{"status"},
	)

	// Event bus metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgstate_events_published_total",
			Help: "Total events published on the event bus",
		},
		[]string{"action"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgstate_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tgstate_event_subscribers",
			Help: "Number of active event subscribers",
		},
	)

	// Sync metrics
	syncUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgstate_sync_updates_total",
			Help: "Channel updates processed by the sync service",
		},
		[]string{"kind", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpload records a finished upload.
func RecordUpload(strategy string, bytes int64, success bool) {
	uploadsTotal.WithLabelValues(strategy, status(success)).Inc()
	if success {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// RecordChunkSent records one chunk message send.
func RecordChunkSent(backend string, success bool) {
	chunksSentTotal.WithLabelValues(backend, status(success)).Inc()
}

// RecordDownload records a finished download stream.
func RecordDownload(bytes int64, success bool) {
	downloadsTotal.WithLabelValues(status(success)).Inc()
	downloadBytesTotal.Add(float64(bytes))
}

// RecordChunkFetch records one chunk fetch.
func RecordChunkFetch(backend string, success bool, duration time.Duration) {
	chunkFetchDuration.WithLabelValues(backend, status(success)).Observe(duration.Seconds())
}

// RecordDelete records a delete operation.
func RecordDelete(success bool) {
	deletesTotal.WithLabelValues(status(success)).Inc()
}

// RecordEvent records a published event.
func RecordEvent(action string) {
	eventsPublishedTotal.WithLabelValues(action).Inc()
}

// RecordEventDropped records an event evicted from a full subscriber buffer.
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}

// SetEventSubscribers sets the active subscriber gauge.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}

// RecordSyncUpdate records a processed channel update.
func RecordSyncUpdate(kind, result string) {
	syncUpdatesTotal.WithLabelValues(kind, result).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
