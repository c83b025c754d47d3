package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrBucketNotExist is returned when a bucket-level call references a
	// bucket the service does not know about.
	ErrBucketNotExist = errors.New("storage: bucket doesn't exist")

	// ErrObjectNotExist is returned when an object-level call references an
	// object (or object generation) the service does not know about.
	ErrObjectNotExist = errors.New("storage: object doesn't exist")
)

// APIError is an error response from the Lumen Storage service. It carries
// the HTTP status code, the machine-readable service reason, and the
// human-readable message from the error payload.
type APIError struct {
	// Code is the HTTP status code of the response.
	Code int
	// Reason is the service error reason (e.g. "notFound", "conditionNotMet",
	// "rateLimitExceeded"). Empty when the body could not be parsed.
	Reason string
	// Message is the human-readable error description.
	Message string
	// Body is the raw response body, retained for diagnostics.
	Body string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("storage: %s (HTTP %d): %s", e.Reason, e.Code, e.Message)
	}
	return fmt.Sprintf("storage: HTTP %d: %s", e.Code, e.Message)
}

// errorPayload mirrors the service's JSON error envelope:
//
//	{"error": {"code": 404, "message": "...", "errors": [{"reason": "notFound", ...}]}}
type errorPayload struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// maxErrorBody caps how much of an error response body is read and retained.
const maxErrorBody = 1 << 20

// errorFromResponse builds an *APIError from a non-2xx response. It always
// consumes (up to maxErrorBody of) the body so the connection can be reused.
func errorFromResponse(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))

	apiErr := &APIError{
		Code:    res.StatusCode,
		Message: http.StatusText(res.StatusCode),
		Body:    string(body),
	}

	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Code != 0 {
		if payload.Error.Message != "" {
			apiErr.Message = payload.Error.Message
		}
		if len(payload.Error.Errors) > 0 {
			apiErr.Reason = payload.Error.Errors[0].Reason
		}
	}
	return apiErr
}

// httpStatus extracts the HTTP status code from an error, or 0 when the
// error did not originate from a service response.
func httpStatus(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
