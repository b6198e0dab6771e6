package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/auth"
	"github.com/meritflow/compcycle/internal/platform/requestctx"
)

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logEvent := EventLogger(zap.New(core))

	logEvent(context.Background(), "monitor.run_completed", map[string]any{"cycleId": "cyc_1", "alerts": 3})
	logEvent(context.Background(), "monitor.alerts_unrouted", map[string]any{"error": errors.New("no admin")})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].ContextMap()["cycleId"] != "cyc_1" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["error"] != "no admin" {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)
	logEvent := EventLogger(zap.New(fallbackCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	logEvent(ctx, "cycle.transitioned", nil)

	if fallbackLogs.Len() != 0 || requestLogs.Len() != 1 {
		t.Fatalf("expected request logger to receive the event")
	}
}

func TestRequestLoggerRecordsIdentityAndMetrics(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := NewMetrics()

	r := chi.NewRouter()
	r.Use(InjectLogger(zap.New(core)), RequestLogger(metrics))
	r.With(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := &auth.Identity{UID: "u-1", TenantID: "tnt_acme", Role: domain.RoleAdmin}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}, CaptureIdentity).Get("/api/v1/cycles/{cycleID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/cycles/cyc_9", nil))

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion log, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["tenant_id"] != "tnt_acme" || fields["route"] != "/api/v1/cycles/{cycleID}" || fields["status"] != int64(404) {
		t.Fatalf("unexpected fields %+v", fields)
	}
	if completed[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 404, got %s", completed[0].Level)
	}
	if got := testutil.ToFloat64(metrics.httpRequests.WithLabelValues("/api/v1/cycles/{cycleID}", "GET", "404")); got != 1 {
		t.Fatalf("expected request counted, got %v", got)
	}
}

func TestRecovererWritesJSONError(t *testing.T) {
	handler := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "internal_server_error" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestCloudTraceRoundTrip(t *testing.T) {
	sc, ok := parseCloudTrace("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if !sc.IsSampled() || !sc.IsRemote() {
		t.Fatalf("expected sampled remote span context")
	}
	if got := formatCloudTrace(sc); got != "105445aa7843bc8bf206b12000100000/1;o=1" {
		t.Fatalf("unexpected formatted header %q", got)
	}

	for _, bad := range []string{"", "nope", "105445aa7843bc8bf206b12000100000/abc", "zz/1"} {
		if _, ok := parseCloudTrace(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestTraceStoresProjectOnContext(t *testing.T) {
	var info requestctx.TraceInfo
	handler := Trace("meritflow-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = requestctx.Trace(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if info.ProjectID != "meritflow-prod" || info.TraceID != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace info %+v", info)
	}
}

func TestSanitizeStripsControlCharacters(t *testing.T) {
	if got := SanitizeRoute("/cycles\n/forged"); strings.ContainsAny(got, "\n") {
		t.Fatalf("expected newline removed, got %q", got)
	}
	if got := SanitizeUserID(strings.Repeat("a", 100)); len(got) != 64 {
		t.Fatalf("expected truncation to 64, got %d", len(got))
	}
}
