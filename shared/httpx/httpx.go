package httpx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/tenantx"
)

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Details   any    `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the error envelope and records the code on the request
// so the access log carries it.
func WriteError(w http.ResponseWriter, r *http.Request, statusCode int, code string, message string, details any) {
	if meta := metaFrom(r.Context()); meta != nil {
		meta.setErrorCode(code)
	}
	WriteJSON(w, statusCode, ErrorEnvelope{
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			RequestID: RequestIDFromContext(r.Context()),
			Details:   details,
		},
	})
}

// ErrorRule maps every error matching Target (errors.Is) to a status and
// envelope code. An empty Message keeps err.Error().
type ErrorRule struct {
	Target  error
	Status  int
	Code    string
	Message string
}

// ErrorMap is evaluated in order; put typed errors that unwrap to several
// sentinels ahead of the broader rules.
type ErrorMap []ErrorRule

// Detailer lets typed errors contribute envelope details.
type Detailer interface {
	ErrorDetails() map[string]any
}

// Write renders the first matching rule. It reports false when no rule
// matched and nothing was written.
func (m ErrorMap) Write(w http.ResponseWriter, r *http.Request, err error) bool {
	for _, rule := range m {
		if !errors.Is(err, rule.Target) {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = err.Error()
		}
		var details any
		var d Detailer
		if errors.As(err, &d) {
			details = d.ErrorDetails()
		}
		WriteError(w, r, rule.Status, rule.Code, msg, details)
		return true
	}
	return false
}

const maxBodyBytes = 1 << 20

var ErrBadRequest = errors.New("bad request body")

// DecodeJSON reads a single JSON object from the request body into dst,
// rejecting unknown fields and trailing data.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: empty body", ErrBadRequest)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrBadRequest)
	}
	return nil
}

// Middleware wraps a handler. Chain applies them so the first listed runs
// outermost.
type Middleware func(http.Handler) http.Handler

func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

type requestIDKey struct{}

func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// requestMeta collects what handlers learn about a request (the interaction
// or agent it touched, the error code it failed with) for the access log.
// WithTimeout runs handlers on another goroutine, hence the lock.
type requestMeta struct {
	mu        sync.Mutex
	attrs     []slog.Attr
	errorCode string
	route     string
}

func (m *requestMeta) add(attrs ...slog.Attr) {
	m.mu.Lock()
	m.attrs = append(m.attrs, attrs...)
	m.mu.Unlock()
}

func (m *requestMeta) setErrorCode(code string) {
	m.mu.Lock()
	m.errorCode = code
	m.mu.Unlock()
}

func (m *requestMeta) setRoute(pattern string) {
	m.mu.Lock()
	m.route = pattern
	m.mu.Unlock()
}

func (m *requestMeta) snapshot() ([]slog.Attr, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]slog.Attr(nil), m.attrs...), m.errorCode, m.route
}

type metaKey struct{}

func metaFrom(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(metaKey{}).(*requestMeta)
	return m
}

// Annotate attaches attributes to the request's access log line. It is a
// no-op outside WithRequestLog.
func Annotate(ctx context.Context, attrs ...slog.Attr) {
	if m := metaFrom(ctx); m != nil {
		m.add(attrs...)
	}
}

func WithRecover(l logx.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.Any("error", rec),
			}
			if !strings.EqualFold(l.Env(), "prod") {
				attrs = append(attrs, slog.String("stack", string(debug.Stack())))
			}
			l.Error(r.Context(), "panic", "panic recovered", attrs...)
			WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
		}()
		next.ServeHTTP(w, r)
	})
}

type RequestLogOptions struct {
	SkipPaths map[string]bool
}

// WithRequestLog emits one http_request line per request: info for
// success, warn for 4xx and error for 5xx, with the envelope error code and
// any attributes handlers added through Annotate.
func WithRequestLog(l logx.Logger, opts RequestLogOptions, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.SkipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		meta := &requestMeta{}
		r = r.WithContext(context.WithValue(r.Context(), metaKey{}, meta))
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		extra, code, route := meta.snapshot()
		requestID := RequestIDFromContext(r.Context())
		if requestID == "" {
			requestID = sw.Header().Get("X-Request-ID")
		}
		attrs := []slog.Attr{
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.String("path", r.URL.Path),
			slog.Int("status_code", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("client_ip", ClientIP(r)),
		}
		tenantID := tenantx.TenantIDFromContext(r.Context())
		if tenantID == "" {
			tenantID = strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		}
		if tenantID != "" {
			attrs = append(attrs, slog.String("tenant_id", tenantID))
		}
		attrs = append(attrs, extra...)
		if code != "" {
			attrs = append(attrs, slog.String("error_code", code))
		}

		switch {
		case sw.status >= http.StatusInternalServerError:
			l.Error(r.Context(), "http_request", "http request failed", attrs...)
		case sw.status >= http.StatusBadRequest:
			l.Warn(r.Context(), "http_request", "http request rejected", attrs...)
		default:
			l.Info(r.Context(), "http_request", "http request", attrs...)
		}
	})
}

// WithTimeout bounds the handler with a context deadline. The handler
// writes into a buffer that is only flushed when it finishes in time, so a
// late handler cannot interleave with the timeout response.
func WithTimeout(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		buf := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(buf, r.WithContext(ctx))
		}()

		select {
		case <-done:
			buf.flush(w)
		case <-ctx.Done():
			WriteError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timeout", nil)
		}
	})
}

// WrapServeMux sends requests no pattern matches to notFound instead of the
// mux's plain-text 404/405. Matched requests go through mux.ServeHTTP so
// path values are populated.
func WrapServeMux(mux *http.ServeMux, notFound http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			notFound.ServeHTTP(w, r)
			return
		}
		if meta := metaFrom(r.Context()); meta != nil {
			meta.setRoute(pattern)
		}
		mux.ServeHTTP(w, r)
	})
}

// ClientIP prefers proxy headers over the socket address.
func ClientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		first, _, _ := strings.Cut(v, ",")
		return strings.TrimSpace(first)
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

type bufferedWriter struct {
	header http.Header
	status int
	body   []byte
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(status int) { w.status = status }

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.body = append(w.body, p...)
	return len(p), nil
}

func (w *bufferedWriter) flush(dst http.ResponseWriter) {
	for k, v := range w.header {
		dst.Header()[k] = append(dst.Header()[k], v...)
	}
	dst.WriteHeader(w.status)
	_, _ = dst.Write(w.body)
}
