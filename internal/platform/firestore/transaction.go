package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxPolicy bounds a transaction. Zero values fall back to the client library defaults for attempts
// and leave the caller's deadline untouched.
type TxPolicy struct {
	Attempts int
	Timeout  time.Duration
}

type txKey struct{}

// ContextWithTransaction attaches tx so repositories called with the returned context read and
// write through it.
func ContextWithTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TransactionFromContext returns the transaction attached by ContextWithTransaction.
func TransactionFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txKey{}).(*firestore.Transaction)
	return tx, ok && tx != nil
}

// RunTransaction executes fn in a transaction on client under policy.
func RunTransaction(ctx context.Context, client *firestore.Client, policy TxPolicy, fn TxFunc) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	ctx, cancel := policy.bound(ctx)
	defer cancel()

	var opts []firestore.TransactionOption
	if policy.Attempts > 0 {
		opts = append(opts, firestore.MaxAttempts(policy.Attempts))
	}
	err := client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ContextWithTransaction(ctx, tx), tx)
	}, opts...)
	return WrapError("transaction", err)
}

// bound applies Timeout only when it is tighter than the caller's deadline.
func (p TxPolicy) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= p.Timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.Timeout)
}

// RunInTx runs fn inside a transaction carried on the context. A context that already carries a
// transaction joins it instead of opening a nested one. fn may run more than once when Firestore
// retries on contention.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	if _, ok := TransactionFromContext(ctx); ok {
		return fn(ctx)
	}
	client, err := p.Client(ctx)
	if err != nil {
		return WrapError("transaction", err)
	}
	return RunTransaction(ctx, client, p.txPolicy(), func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

func (p *Provider) txPolicy() TxPolicy {
	return TxPolicy{Attempts: p.cfg.TxAttempts, Timeout: p.cfg.TxTimeout}
}
