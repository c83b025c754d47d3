package emulator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/lumenstore/lumen-go/internal/metrics"
	"github.com/lumenstore/lumen-go/internal/uid"
)

// Fault instructions accepted by the retry test API.
const (
	faultReturn503        = "return-503"
	faultReturn504        = "return-504"
	faultReturn429        = "return-429"
	faultReturn408        = "return-408"
	faultResetConnection  = "return-reset-connection"
	faultBrokenStream     = "return-broken-stream"
	retryTestHeader       = "x-retry-test-id"
)

// retryTest is one registered fault sequence: per-operation FIFO lists of
// instructions, consumed one per matching request.
type retryTest struct {
	instructions map[string][]string
}

func (t *retryTest) completed() bool {
	for _, list := range t.instructions {
		if len(list) > 0 {
			return false
		}
	}
	return true
}

// faultRegistry holds the active retry tests.
type faultRegistry struct {
	mu    sync.Mutex
	tests map[string]*retryTest
}

func newFaultRegistry() *faultRegistry {
	return &faultRegistry{tests: make(map[string]*retryTest)}
}

func (f *faultRegistry) create(instructions map[string][]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uid.New()
	copied := make(map[string][]string, len(instructions))
	for op, list := range instructions {
		copied[op] = append([]string(nil), list...)
	}
	f.tests[id] = &retryTest{instructions: copied}
	return id
}

func (f *faultRegistry) get(id string) (map[string][]string, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tests[id]
	if !ok {
		return nil, false, false
	}
	out := make(map[string][]string, len(t.instructions))
	for op, list := range t.instructions {
		out[op] = append([]string(nil), list...)
	}
	return out, t.completed(), true
}

func (f *faultRegistry) delete(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tests[id]; !ok {
		return false
	}
	delete(f.tests, id)
	return true
}

// consume pops the next instruction registered for op, if any.
func (f *faultRegistry) consume(id, op string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tests[id]
	if !ok {
		return "", false
	}
	list := t.instructions[op]
	if len(list) == 0 {
		return "", false
	}
	t.instructions[op] = list[1:]
	return list[0], true
}

// brokenStreamKey marks a request whose response body should be truncated
// mid-stream. Download handlers check for it.
type brokenStreamKey struct{}

func withBrokenStream(ctx context.Context) context.Context {
	return context.WithValue(ctx, brokenStreamKey{}, true)
}

func brokenStream(ctx context.Context) bool {
	v, _ := ctx.Value(brokenStreamKey{}).(bool)
	return v
}

// applyFault consumes and applies any fault registered for this request and
// operation. It reports whether the response was fully handled; a broken
// stream instruction instead tags the context and lets the handler proceed.
func (s *Server) applyFault(w http.ResponseWriter, r *http.Request, op string) (*http.Request, bool) {
	id := r.Header.Get(retryTestHeader)
	if id == "" {
		return r, false
	}
	instruction, ok := s.faults.consume(id, op)
	if !ok {
		return r, false
	}
	metrics.FaultsInjectedTotal.WithLabelValues(instruction).Inc()
	s.logger.Debug("injecting fault", "op", op, "instruction", instruction)

	switch instruction {
	case faultReturn503:
		writeError(w, &apiError{Status: http.StatusServiceUnavailable, Reason: "backendError", Message: "injected 503"})
	case faultReturn504:
		writeError(w, &apiError{Status: http.StatusGatewayTimeout, Reason: "backendError", Message: "injected 504"})
	case faultReturn429:
		writeError(w, &apiError{Status: http.StatusTooManyRequests, Reason: "rateLimitExceeded", Message: "injected 429"})
	case faultReturn408:
		writeError(w, &apiError{Status: http.StatusRequestTimeout, Reason: "requestTimeout", Message: "injected 408"})
	case faultResetConnection:
		resetConnection(w)
	case faultBrokenStream:
		return r.WithContext(withBrokenStream(r.Context())), false
	default:
		writeError(w, errInvalid("unknown fault instruction "+instruction))
	}
	return r, true
}

// resetConnection kills the client connection with a TCP RST, so the peer
// sees "connection reset by peer" rather than a clean EOF.
func resetConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0) //nolint:errcheck
	}
	conn.Close() //nolint:errcheck
}

// handleRetryTest implements the fault injection API:
//
//	POST   /retry_test       register {"instructions": {op: [instruction...]}}
//	GET    /retry_test/{id}  report remaining instructions and completion
//	DELETE /retry_test/{id}  unregister
func (s *Server) handleRetryTest(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/retry_test")
	rest = strings.TrimPrefix(rest, "/")

	switch {
	case r.Method == http.MethodPost && rest == "":
		var body struct {
			Instructions map[string][]string `json:"instructions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errInvalid("malformed retry test body"))
			return
		}
		id := s.faults.create(body.Instructions)
		writeJSON(w, map[string]string{"id": id})

	case r.Method == http.MethodGet && rest != "":
		instructions, completed, ok := s.faults.get(rest)
		if !ok {
			writeError(w, errNotFound("retry test", rest))
			return
		}
		writeJSON(w, map[string]any{
			"id":           rest,
			"instructions": instructions,
			"completed":    completed,
		})

	case r.Method == http.MethodDelete && rest != "":
		if !s.faults.delete(rest) {
			writeError(w, errNotFound("retry test", rest))
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		writeError(w, errInvalid("unsupported retry test request"))
	}
}
