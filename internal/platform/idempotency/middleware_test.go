package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/auth"
)

var fixedTime = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func bulkRequest(t *testing.T, body, key string, identity *auth.Identity) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cycles/cyc_1/approvals:bulk", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func hrManager(tenant, uid string) *auth.Identity {
	return &auth.Identity{UID: uid, TenantID: tenant, Role: domain.RoleHRManager}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	handlerCalled := false
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handlerCalled = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, bulkRequest(t, `{"items":[]}`, "", hrManager("t1", "u1")))

	if handlerCalled {
		t.Fatal("handler should not run without a key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"approved":2}`))
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, bulkRequest(t, `{"ids":["rec_1","rec_2"]}`, "bulk-1", hrManager("t1", "u1")))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, bulkRequest(t, `{"ids":["rec_1","rec_2"]}`, "bulk-1", hrManager("t1", "u1")))

	if calls != 1 {
		t.Fatalf("expected a single handler call, got %d", calls)
	}
	if rr2.Code != http.StatusOK || rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("unexpected replay %d %q", rr2.Code, rr2.Body.String())
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatal("expected replay header")
	}
	if got := rr2.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
}

func TestMiddleware_DifferentBodyConflicts(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, bulkRequest(t, `{"ids":["rec_1"]}`, "same", hrManager("t1", "u1")))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, bulkRequest(t, `{"ids":["rec_2"]}`, "same", hrManager("t1", "u1")))

	if rr2.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr2.Code)
	}
	assertErrorResponse(t, rr2.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddleware_KeysAreScopedPerCaller(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for _, identity := range []*auth.Identity{hrManager("t1", "u1"), hrManager("t2", "u1"), hrManager("t1", "u2")} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, bulkRequest(t, `{"ids":["rec_1"]}`, "shared", identity))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s/%s, got %d", identity.TenantID, identity.UID, rr.Code)
		}
	}
	if calls != 3 {
		t.Fatalf("expected every caller to run the handler, got %d calls", calls)
	}
}

func TestMiddleware_InFlightReturnsConflict(t *testing.T) {
	store := NewMemoryStore()
	req := bulkRequest(t, `{"ids":["rec_1"]}`, "busy", hrManager("t1", "u1"))
	scope := callerScope(req.Context())
	if _, _, err := store.Reserve(context.Background(), scope+"|busy", fingerprint(req, scope, []byte(`{"ids":["rec_1"]}`)), fixedTime, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run while the key is held")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), bulkRequest(t, `{"ids":["rec_1"]}`, "retry", hrManager("t1", "u1")))
	}
	if calls != 2 {
		t.Fatalf("expected retry after 503 to run the handler, got %d calls", calls)
	}
}

func TestMiddleware_ExpiredRecordRunsAgain(t *testing.T) {
	now := fixedTime
	var calls int
	handler := Middleware(NewMemoryStore(), WithTTL(time.Minute), WithClock(func() time.Time { return now }))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), bulkRequest(t, `{}`, "k", hrManager("t1", "u1")))
	now = now.Add(2 * time.Minute)
	handler.ServeHTTP(httptest.NewRecorder(), bulkRequest(t, `{}`, "k", hrManager("t1", "u1")))

	if calls != 2 {
		t.Fatalf("expected expired key to be reusable, got %d calls", calls)
	}
}

func TestMemoryStore_Purge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = store.Reserve(ctx, "a", "fp", fixedTime, time.Minute)
	_, _, _ = store.Reserve(ctx, "b", "fp", fixedTime, time.Hour)

	removed, err := store.Purge(ctx, fixedTime.Add(10*time.Minute), 0)
	if err != nil || removed != 1 {
		t.Fatalf("expected one purged record, got %d, %v", removed, err)
	}
	state, _, err := store.Reserve(ctx, "b", "fp", fixedTime.Add(10*time.Minute), time.Hour)
	if err != nil || state != StateInFlight {
		t.Fatalf("expected unexpired reservation to survive, got %v, %v", state, err)
	}
}

func assertErrorResponse(t *testing.T, body []byte, code string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["error"] != code {
		t.Fatalf("expected error %q, got %v", code, payload["error"])
	}
}
