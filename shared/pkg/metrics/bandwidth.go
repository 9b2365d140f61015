package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// BandwidthMonitor tracks HTTP request/response bandwidth of the control API
type BandwidthMonitor struct {
	bytesReceived *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	requestSize   *prometheus.HistogramVec
	responseSize  *prometheus.HistogramVec
	requests      *prometheus.CounterVec

	totalReceived atomic.Int64
	totalSent     atomic.Int64
	totalRequests atomic.Int64
}

// BandwidthStats is a snapshot of the running totals
type BandwidthStats struct {
	TotalBytesReceived int64 `json:"total_bytes_received"`
	TotalBytesSent     int64 `json:"total_bytes_sent"`
	TotalRequests      int64 `json:"total_requests"`
}

// NewBandwidthMonitor creates a bandwidth monitor registered on reg
func NewBandwidthMonitor(reg prometheus.Registerer) *BandwidthMonitor {
	bm := &BandwidthMonitor{
		bytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_request_bytes_total",
				Help:      "Total bytes received in HTTP requests",
			},
			[]string{"method", "endpoint"},
		),
		bytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_response_bytes_total",
				Help:      "Total bytes sent in HTTP responses",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint", "status"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests processed",
			},
			[]string{"method", "endpoint", "status"},
		),
	}

	reg.MustRegister(bm.bytesReceived, bm.bytesSent, bm.requestSize, bm.responseSize, bm.requests)
	return bm
}

// Middleware returns HTTP middleware that tracks bandwidth
func (bm *BandwidthMonitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := routeTemplate(r)
		method := r.Method

		requestSize := r.ContentLength
		if requestSize < 0 {
			requestSize = 0
		}
		if requestSize > 0 {
			bm.bytesReceived.WithLabelValues(method, endpoint).Add(float64(requestSize))
			bm.requestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
			bm.totalReceived.Add(requestSize)
		}

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.statusCode)
		bm.requests.WithLabelValues(method, endpoint, status).Inc()
		bm.totalRequests.Add(1)
		if rw.bytesWritten > 0 {
			bm.bytesSent.WithLabelValues(method, endpoint, status).Add(float64(rw.bytesWritten))
			bm.responseSize.WithLabelValues(method, endpoint, status).Observe(float64(rw.bytesWritten))
			bm.totalSent.Add(int64(rw.bytesWritten))
		}
	})
}

// GetStats returns the running totals
func (bm *BandwidthMonitor) GetStats() BandwidthStats {
	return BandwidthStats{
		TotalBytesReceived: bm.totalReceived.Load(),
		TotalBytesSent:     bm.totalSent.Load(),
		TotalRequests:      bm.totalRequests.Load(),
	}
}

// routeTemplate labels requests by their mux route so task and node ids do
// not explode label cardinality
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
