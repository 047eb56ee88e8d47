package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	sessionStartedTotal   atomic.Uint64
	sessionCompletedTotal atomic.Uint64
	sessionFailedTotal    atomic.Uint64
	sessionCancelledTotal atomic.Uint64
	fileProcessedTotal    atomic.Uint64
	fileFailedTotal       atomic.Uint64
	retryTotal            atomic.Uint64

	fileDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000})
)

// IncSessionStarted increments the started-sessions counter.
func IncSessionStarted() { sessionStartedTotal.Add(1) }

// IncSessionCompleted increments the completed-sessions counter.
func IncSessionCompleted() { sessionCompletedTotal.Add(1) }

// IncSessionFailed increments the failed-sessions counter.
func IncSessionFailed() { sessionFailedTotal.Add(1) }

// IncSessionCancelled increments the cancelled-sessions counter.
func IncSessionCancelled() { sessionCancelledTotal.Add(1) }

// IncFileProcessed increments the processed-files counter.
func IncFileProcessed() { fileProcessedTotal.Add(1) }

// IncFileFailed increments the failed-files counter.
func IncFileFailed() { fileFailedTotal.Add(1) }

// IncRetry increments the retry counter.
func IncRetry() { retryTotal.Add(1) }

// ObserveFileDurationMs records a per-file processing duration in milliseconds.
func ObserveFileDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	fileDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "extraction_session_started_total", "Total extraction sessions started", sessionStartedTotal.Load())
	writeCounter(&buf, "extraction_session_completed_total", "Total extraction sessions completed", sessionCompletedTotal.Load())
	writeCounter(&buf, "extraction_session_failed_total", "Total extraction sessions failed", sessionFailedTotal.Load())
	writeCounter(&buf, "extraction_session_cancelled_total", "Total extraction sessions cancelled", sessionCancelledTotal.Load())
	writeCounter(&buf, "extraction_file_processed_total", "Total files processed", fileProcessedTotal.Load())
	writeCounter(&buf, "extraction_file_failed_total", "Total files failed", fileFailedTotal.Load())
	writeCounter(&buf, "extraction_retry_total", "Total per-file retries", retryTotal.Load())
	writeHistogram(&buf, "extraction_file_duration_ms", "Per-file processing duration in milliseconds", fileDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// SinceMillis returns elapsed milliseconds since start.
func SinceMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
