package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// VerificationRecorder observes push token verification outcomes.
type VerificationRecorder interface {
	RecordVerification(ctx context.Context, success bool, reason string, duration time.Duration)
}

// ServiceIdentity is the Google service account that signed a push delivery.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityContextKey struct{}

// ServiceIdentityFromContext retrieves the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCPolicy names what a push token must carry.
type OIDCPolicy struct {
	Audience string
	Issuers  []string
	// Emails restricts the signing service account when non-empty.
	Emails []string
}

// OIDCValidator guards internal endpoints called by Pub/Sub push subscriptions.
type OIDCValidator struct {
	cache    *JWKSCache
	logger   *zap.Logger
	recorder VerificationRecorder
	now      func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger sets the logger for rejected deliveries.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCRecorder sets the verification outcome recorder.
func WithOIDCRecorder(recorder VerificationRecorder) OIDCOption {
	return func(v *OIDCValidator) { v.recorder = recorder }
}

// WithOIDCClock injects the clock used for token time checks.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator builds a validator over cache.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireOIDC rejects requests without a valid Google-signed bearer token matching policy.
func (v *OIDCValidator) RequireOIDC(policy OIDCPolicy) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(policy.Audience)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()
			reject := func(status int, reason, message string) {
				v.record(ctx, false, reason, start)
				respondAuthError(w, status, "invalid_token", message)
			}

			if audience == "" || v.cache == nil {
				reject(http.StatusServiceUnavailable, "not_configured", "push verification unavailable")
				return
			}
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				reject(http.StatusUnauthorized, "token_missing", "push token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx)); err != nil {
				if errors.Is(err, ErrJWKSFetchFailed) {
					v.logger.Warn("push token keys unavailable", zap.Error(err))
					reject(http.StatusServiceUnavailable, "jwks_unavailable", "push verification unavailable")
					return
				}
				v.logger.Info("push token rejected", zap.Error(err))
				reject(http.StatusUnauthorized, "token_invalid", "push token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(policy.Issuers) > 0 && !slices.Contains(policy.Issuers, issuer) {
				reject(http.StatusUnauthorized, "issuer_mismatch", "push token issuer mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				reject(http.StatusUnauthorized, "audience_mismatch", "push token audience mismatch")
				return
			}
			email, _ := claims["email"].(string)
			if len(policy.Emails) > 0 {
				verified, _ := claims["email_verified"].(bool)
				if !verified || !slices.Contains(policy.Emails, email) {
					reject(http.StatusForbidden, "email_mismatch", "push token signer not allowed")
					return
				}
			}

			subject, _ := claims["sub"].(string)
			identity := &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, serviceIdentityContextKey{}, identity)))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.recorder != nil {
		v.recorder.RecordVerification(ctx, success, reason, v.now().Sub(start))
	}
}
