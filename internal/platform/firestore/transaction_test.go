package firestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meritflow/compcycle/internal/platform/config"
)

func TestTransactionFromContextWithoutTransaction(t *testing.T) {
	if _, ok := TransactionFromContext(context.Background()); ok {
		t.Fatalf("expected no transaction")
	}
	//nolint:staticcheck // nil context is tolerated
	if _, ok := TransactionFromContext(nil); ok {
		t.Fatalf("expected no transaction for nil context")
	}
}

func TestTxPolicyBound(t *testing.T) {
	ctx, cancel := TxPolicy{}.bound(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Fatalf("zero policy must not add a deadline")
	}

	parent, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	ctx, cancel = TxPolicy{Timeout: time.Minute}.bound(parent)
	defer cancel()
	want, _ := parent.Deadline()
	if got, _ := ctx.Deadline(); !got.Equal(want) {
		t.Fatalf("looser timeout must keep caller deadline")
	}

	ctx, cancel = TxPolicy{Timeout: 10 * time.Millisecond}.bound(context.Background())
	defer cancel()
	got, ok := ctx.Deadline()
	if !ok || time.Until(got) > 10*time.Millisecond {
		t.Fatalf("expected tightened deadline, got %v", got)
	}
}

func TestRunInTxOnClosedProvider(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "compcycle-test", TxAttempts: 2})
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	called := false
	err := p.RunInTx(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	var repoErr *Error
	if !errors.As(err, &repoErr) || !repoErr.IsUnavailable() {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if called {
		t.Fatalf("fn must not run without a client")
	}
	if policy := p.txPolicy(); policy.Attempts != 2 {
		t.Fatalf("expected policy from config, got %+v", policy)
	}
}
