package emulator

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenstore/lumen-go/internal/auth"
	"github.com/lumenstore/lumen-go/internal/metrics"
)

// Server is the emulator HTTP server. It serves the JSON API, media upload
// and download, the S3-compatible XML surface, and the retry test API.
type Server struct {
	store      *Store
	verifier   *auth.Verifier
	faults     *faultRegistry
	router     chi.Router
	api        huma.API
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStore supplies a pre-populated store.
func WithStore(store *Store) Option {
	return func(s *Server) { s.store = store }
}

// New creates a Server and wires all routes on a chi router with a Huma API
// for the documented system endpoints.
func New(opts ...Option) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Lumen Storage Emulator", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		router: router,
		api:    api,
		faults: newFaultRegistry(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewStore()
	}
	s.verifier = auth.NewVerifier(s.store)

	s.registerRoutes()
	return s
}

// Store exposes the underlying state, mainly so tests can seed it.
func (s *Server) Store() *Store { return s.store }

// Handler returns the full middleware-wrapped handler. Tests mount this on
// an httptest.Server.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes. Huma routes (/health, /docs,
// /openapi.json) and /metrics are registered first; the storage catch-all
// runs for everything else since chi matches specific routes first.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the emulator.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/retry_test", s.handleRetryTest)
	s.router.HandleFunc("/retry_test/*", s.handleRetryTest)
	s.router.HandleFunc("/*", s.dispatch)
}

// dispatch routes by path prefix. Paths are parsed from EscapedPath so that
// object names containing encoded slashes survive routing.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()
	switch {
	case strings.HasPrefix(path, "/storage/v1/"):
		s.dispatchJSON(w, r, strings.TrimPrefix(path, "/storage/v1"))
	case strings.HasPrefix(path, "/upload/storage/v1/"):
		s.dispatchUpload(w, r, strings.TrimPrefix(path, "/upload/storage/v1"))
	case strings.HasPrefix(path, "/download/storage/v1/"):
		s.dispatchDownload(w, r, strings.TrimPrefix(path, "/download/storage/v1"))
	case path == "/s3" || strings.HasPrefix(path, "/s3/"):
		s.dispatchS3(w, r, strings.TrimPrefix(path, "/s3"))
	default:
		// Bare /{bucket}/{object} paths are the signed URL surface.
		s.serveSignedURL(w, r)
	}
}

// pathSegments splits an escaped path into decoded segments.
func pathSegments(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		seg, err := url.PathUnescape(p)
		if err != nil {
			seg = p
		}
		out = append(out, seg)
	}
	return out
}

// parsePreconds reads the precondition query parameters.
func parsePreconds(q url.Values) (preconds, error) {
	var p preconds
	assign := func(param string, dst **int64) error {
		if !q.Has(param) {
			return nil
		}
		v, err := strconv.ParseInt(q.Get(param), 10, 64)
		if err != nil {
			return errInvalid("malformed " + param)
		}
		*dst = &v
		return nil
	}
	if err := assign("ifGenerationMatch", &p.GenerationMatch); err != nil {
		return p, err
	}
	if err := assign("ifGenerationNotMatch", &p.GenerationNotMatch); err != nil {
		return p, err
	}
	if err := assign("ifMetagenerationMatch", &p.MetagenerationMatch); err != nil {
		return p, err
	}
	if err := assign("ifMetagenerationNotMatch", &p.MetagenerationNotMatch); err != nil {
		return p, err
	}
	return p, nil
}

// parseGeneration reads the generation query parameter; zero means live.
func parseGeneration(q url.Values) (int64, error) {
	if !q.Has("generation") {
		return 0, nil
	}
	v, err := strconv.ParseInt(q.Get("generation"), 10, 64)
	if err != nil {
		return 0, errInvalid("malformed generation")
	}
	return v, nil
}

// responseRecorder wraps http.ResponseWriter to capture the status code and
// bytes written for the metrics middleware.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so fault injection can take over the connection.
func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("emulator: underlying writer does not support hijacking")
	}
	return hj.Hijack()
}

// metricsMiddleware records request rate, latency, and size metrics. The
// /metrics endpoint is excluded from self-instrumentation.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		path := metrics.NormalizePath(r.URL.Path)
		method := r.Method
		status := strconv.Itoa(rec.statusCode)

		metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)

		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(r.ContentLength))
			metrics.BytesReceivedTotal.Add(float64(r.ContentLength))
		}
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(rec.bytesWritten))
			metrics.BytesSentTotal.Add(float64(rec.bytesWritten))
		}
	})
}

// recordOp counts an operation's outcome.
func recordOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, status).Inc()
}
