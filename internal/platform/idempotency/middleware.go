package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meritflow/compcycle/internal/platform/auth"
	"github.com/meritflow/compcycle/internal/platform/httpx"
	"github.com/meritflow/compcycle/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "Idempotent-Replayed"
	maxKeyLength      = 255
)

type middlewareConfig struct {
	header    string
	ttl       time.Duration
	bodyLimit int64
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures the middleware.
type Option func(*middlewareConfig)

// WithHeader overrides the header carrying the client key.
func WithHeader(name string) Option {
	return func(c *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			c.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(c *middlewareConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the fallback logger used when the request carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(c *middlewareConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock injects the clock.
func WithClock(now func() time.Time) Option {
	return func(c *middlewareConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// Middleware requires a client key on the wrapped route and replays the stored response for
// retries of the same request. Keys are scoped to the caller so tenants never share them.
// Server errors release the key so the client can retry.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		header:    defaultHeaderName,
		ttl:       DefaultTTL,
		bodyLimit: httpx.DefaultBodyLimit,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := loggerFor(ctx, cfg.logger)

			clientKey := strings.TrimSpace(r.Header.Get(cfg.header))
			if clientKey == "" {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", cfg.header+" header is required", http.StatusBadRequest))
				return
			}
			if len(clientKey) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", cfg.header+" header is too long", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, cfg.bodyLimit+1))
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
				return
			}
			if int64(len(body)) > cfg.bodyLimit {
				httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			scope := callerScope(ctx)
			key := scope + "|" + clientKey
			fp := fingerprint(r, scope, body)
			now := cfg.now().UTC()

			state, record, err := store.Reserve(ctx, key, fp, now, cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "key was already used with a different request", http.StatusConflict))
				return
			case err != nil:
				logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
				return
			}

			switch state {
			case StateCompleted:
				replay(w, record)
				return
			case StateInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this key is still in progress", http.StatusConflict))
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					_ = store.Release(context.WithoutCancel(ctx), key)
					panic(p)
				}
			}()
			next.ServeHTTP(rec, r)

			persistCtx := context.WithoutCancel(ctx)
			if rec.status >= http.StatusInternalServerError {
				if err := store.Release(persistCtx, key); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
				return
			}
			resp := Response{Status: rec.status, Headers: w.Header().Clone(), Body: rec.body.Bytes()}
			if err := store.Complete(persistCtx, key, fp, resp, cfg.now().UTC(), cfg.ttl); err != nil {
				logger.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

func loggerFor(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger := requestctx.Logger(ctx); logger != requestctx.NoopLogger() {
		return logger
	}
	return fallback
}

func callerScope(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		return "user:" + identity.TenantID + ":" + identity.UID
	}
	if service, ok := auth.ServiceIdentityFromContext(ctx); ok {
		return "service:" + service.Subject
	}
	return "anonymous"
}

func fingerprint(r *http.Request, scope string, body []byte) string {
	parts := []string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type"))),
		scope,
		sha256Hex(body),
	}
	return sha256Hex([]byte(strings.Join(parts, "\n")))
}

func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name, values := range record.Headers {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeaderName, "true")
	status := record.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.Body) > 0 {
		_, _ = w.Write(record.Body)
	}
}

type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
