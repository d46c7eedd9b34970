package authn

import (
	"context"

	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"

	"github.com/loomdb/loom/internal/authn"
	"github.com/loomdb/loom/pkg/authcontext"
)

// AuthFunc adapts an Authenticator so that grpcauth can run it on every
// request and stash the resulting claims in the context.
func AuthFunc(authenticator authn.Authenticator) grpcauth.AuthFunc {
	return func(ctx context.Context) (context.Context, error) {
		claims, err := authenticator.Authenticate(ctx)
		if err != nil {
			return nil, err
		}

		return authcontext.ContextWithAuthClaims(ctx, claims), nil
	}
}
