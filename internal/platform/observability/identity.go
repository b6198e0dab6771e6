package observability

import (
	"context"

	"github.com/meritflow/compcycle/internal/platform/auth"
)

type identityHolderKey struct{}

// identityHolder lets handlers deeper in the chain report the caller back to RequestLogger.
type identityHolder struct {
	identity *auth.Identity
}

func withIdentityHolder(ctx context.Context, holder *identityHolder) context.Context {
	return context.WithValue(ctx, identityHolderKey{}, holder)
}

func identityHolderFrom(ctx context.Context) *identityHolder {
	holder, _ := ctx.Value(identityHolderKey{}).(*identityHolder)
	return holder
}
