package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// Kind classifies a failed daemon call. Only KindTransient is retryable.
type Kind int

const (
	KindTransient Kind = iota
	KindTimeout
	KindModelNotFound
	KindPermanent
)

// String returns the wire-stable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindModelNotFound:
		return "model-not-found"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified daemon failure. Status is 0 when the request
// never reached the daemon.
type Error struct {
	Kind   Kind
	Op     string // generate, list-models, show, ping
	Model  string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("inference %s (%s, model %s): %v", e.Op, e.Kind, e.Model, e.Err)
	}
	return fmt.Sprintf("inference %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient daemon failure.
// Timeouts, missing models, and permanent errors are not retryable.
func IsRetryable(err error) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind == KindTransient
	}
	return false
}

// KindOf returns the classification of err, or KindPermanent for errors
// that did not come from this package.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindPermanent
}

// classify wraps a transport or HTTP failure into a typed Error.
// Connection refused, 5xx, and truncated bodies are transient; a 404 on
// a model operation is model-not-found; context deadline is timeout;
// other 4xx are permanent.
func classify(op, model string, status int, err error) *Error {
	kind := KindTransient

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || isTimeout(err)):
		kind = KindTimeout
	case err != nil && errors.Is(err, context.Canceled):
		kind = KindPermanent
	case status == http.StatusNotFound && model != "":
		kind = KindModelNotFound
	case status >= 500 || status == http.StatusTooManyRequests:
		kind = KindTransient
	case status >= 400:
		kind = KindPermanent
	case err != nil && isConnectionError(err):
		kind = KindTransient
	case err != nil && (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)):
		kind = KindTransient
	}

	if err == nil {
		err = fmt.Errorf("status %d", status)
	}
	return &Error{Kind: kind, Op: op, Model: model, Status: status, Err: err}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	// http.Client wraps some transport failures without typed causes
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}
