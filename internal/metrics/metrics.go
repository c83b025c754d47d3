// Package metrics defines Prometheus metrics for the Lumen emulator.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumen_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumen_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumen_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage operation metrics.
var (
	// OperationsTotal counts JSON API operations by name and status, e.g.
	// ("storage.objects.insert", "success").
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_operations_total",
			Help: "Storage operations by type",
		},
		[]string{"operation", "status"},
	)

	// FaultsInjectedTotal counts fault instructions consumed by retry tests.
	FaultsInjectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_faults_injected_total",
			Help: "Fault instructions consumed, by instruction",
		},
		[]string{"instruction"},
	)

	// BytesReceivedTotal counts total bytes received in request bodies.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lumen_bytes_received_total",
			Help: "Total bytes received (request bodies)",
		},
	)

	// BytesSentTotal counts total bytes sent in response bodies.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lumen_bytes_sent_total",
			Help: "Total bytes sent (response bodies)",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			OperationsTotal,
			FaultsInjectedTotal,
			BytesReceivedTotal,
			BytesSentTotal,
		)
		// Initialize OperationsTotal so it appears in /metrics output even
		// before any operations have been performed.
		OperationsTotal.WithLabelValues("storage.buckets.list", "success")
	})
}

// NormalizePath maps request paths to templates suitable for Prometheus
// labels, so individual bucket and object names never become label values.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/retry_test":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/retry_test/") {
		return "/retry_test/{id}"
	}

	for _, root := range []string{"/storage/v1", "/upload/storage/v1", "/download/storage/v1"} {
		if rest, ok := strings.CutPrefix(path, root); ok {
			return root + normalizeAPIPath(rest)
		}
	}
	if rest, ok := strings.CutPrefix(path, "/s3/"); ok {
		if strings.Contains(rest, "/") {
			return "/s3/{bucket}/{key}"
		}
		return "/s3/{bucket}"
	}
	return "/other"
}

// normalizeAPIPath collapses names within a JSON API path, keeping the
// structural segments (b, o, acl, iam, ...) intact.
func normalizeAPIPath(rest string) string {
	segments := strings.Split(strings.TrimPrefix(rest, "/"), "/")
	structural := map[string]bool{
		"b": true, "o": true, "acl": true, "defaultObjectAcl": true,
		"iam": true, "testPermissions": true, "notificationConfigs": true,
		"projects": true, "hmacKeys": true, "compose": true,
		"lockRetentionPolicy": true, "copyTo": true,
	}
	// A name segment is labeled after the structural segment before it.
	byParent := map[string]string{
		"b": "{bucket}", "o": "{object}", "projects": "{project}",
		"hmacKeys": "{accessId}", "acl": "{entity}",
		"defaultObjectAcl": "{entity}", "notificationConfigs": "{id}",
	}
	var out []string
	parent := ""
	for _, seg := range segments {
		if seg == "" || structural[seg] {
			out = append(out, seg)
			parent = seg
			continue
		}
		p, ok := byParent[parent]
		if !ok {
			p = "{name}"
		}
		out = append(out, p)
		parent = seg
	}
	return "/" + strings.Join(out, "/")
}
