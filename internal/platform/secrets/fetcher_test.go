package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := req.GetName()
	f.counter[name]++
	if err := f.errors[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}

func writeFallback(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveCachesUntilTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/meritflow/secrets/redis_password/versions/latest"
	client.values[resource] = "hunter2"

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("meritflow"),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for _, ref := range []string{"secret://redis_password", "sm://redis_password"} {
		got, err := fetcher.ResolveSecret(ctx, ref)
		if err != nil || got != "hunter2" {
			t.Fatalf("%s: got %q, %v", ref, got, err)
		}
	}
	if calls := client.calls(resource); calls != 1 {
		t.Fatalf("expected one remote call, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := fetcher.Resolve(ctx, "secret://redis_password"); err != nil {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	if calls := client.calls(resource); calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", calls)
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/hris-prod/secrets/hris_dsn/versions/3"] = "user:pw@tcp(db:3306)/hris"

	fetcher, _ := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("meritflow"))
	got, err := fetcher.Resolve(ctx, "secret://hris_dsn?version=3&project=hris-prod")
	if err != nil || got != "user:pw@tcp(db:3306)/hris" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestResolveFallsBackWhenDenied(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors["projects/meritflow/secrets/redis_password/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	fetcher, _ := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("meritflow"),
		WithFallbackFile(writeFallback(t, "redis_password=local-secret\n")),
	)
	got, err := fetcher.Resolve(ctx, "secret://redis_password")
	if err != nil || got != "local-secret" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestResolveDoesNotFallBackOnNotFound(t *testing.T) {
	ctx := context.Background()
	fetcher, _ := NewFetcher(ctx,
		WithSecretManagerClient(newFakeSecretClient()),
		WithProject("meritflow"),
		WithFallbackFile(writeFallback(t, "redis_password=local-secret\n")),
	)
	_, err := fetcher.Resolve(ctx, "secret://redis_password")
	if err == nil || status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Fatalf("expected NotFound to surface, got %v", err)
	}
}

func TestResolveWithoutProjectUsesFallbackOnly(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	fetcher, _ := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithFallbackFile(writeFallback(t, "hris_dsn=root@tcp(localhost:3306)/hris\n")),
	)
	got, err := fetcher.Resolve(ctx, "sm://hris_dsn")
	if err != nil || got != "root@tcp(localhost:3306)/hris" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := fetcher.Resolve(ctx, "sm://missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseReferenceRejectsBadInput(t *testing.T) {
	for _, ref := range []string{"", "https://example.com/x", "secret://", "secret://a/b"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected %q to be rejected", ref)
		}
	}
}
