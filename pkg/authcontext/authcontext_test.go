package authcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthClaims(t *testing.T) {
	t.Run("claims_survive_the_context", func(t *testing.T) {
		ctx := ContextWithAuthClaims(context.Background(), &AuthClaims{Subject: "node-1"})

		claims, found := AuthClaimsFromContext(ctx)
		require.True(t, found)
		require.Equal(t, "node-1", claims.Subject)
	})

	t.Run("absent_claims_report_not_found", func(t *testing.T) {
		_, found := AuthClaimsFromContext(context.Background())
		require.False(t, found)
	})
}
