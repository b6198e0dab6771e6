package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/auth"
)

// withCaller injects identity into every request, standing in for the Firebase middleware.
func withCaller(identity *auth.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hrCaller() *auth.Identity {
	return &auth.Identity{UID: "hr-1", TenantID: "tenant-a", Role: domain.RoleHRManager}
}

func managerCaller() *auth.Identity {
	return &auth.Identity{UID: "mgr-1", TenantID: "tenant-a", Role: domain.RoleManager}
}

func cycleRouter(identity *auth.Identity, regs ...RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	r.Use(withCaller(identity))
	r.Route("/cycles", func(group chi.Router) {
		for _, reg := range regs {
			reg(group)
		}
	})
	return r
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	if body := decodeResponse(t, rr); body["error"] != code {
		t.Fatalf("expected error %q, got %v", code, body["error"])
	}
}
