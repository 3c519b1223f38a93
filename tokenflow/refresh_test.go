package tokenflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/coreerr"
)

func TestTokenRefresh_RotatesAndConsumesCsrf(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	seedUserTokenKey(t, store, svc.ID, user.ID)

	pair, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "correct horse battery")
	require.NoError(t, err)

	refreshed, err := flow.TokenRefresh(ctx, testMeta(), svc.ID, pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, refreshed.UserID)
	require.NotEqual(t, pair.RefreshToken, refreshed.RefreshToken)

	// Replaying the original refresh token fails: its CSRF record was
	// consumed by the first call.
	_, err = flow.TokenRefresh(ctx, testMeta(), svc.ID, pair.RefreshToken)
	require.ErrorIs(t, err, coreerr.CsrfNotFoundOrUsed)
}

func TestTokenRevoke_UserTokenKeyInvalidatesEverything(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	seedUserTokenKey(t, store, svc.ID, user.ID)

	pair, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "correct horse battery")
	require.NoError(t, err)

	require.NoError(t, flow.TokenRevoke(ctx, testMeta(), svc.ID, pair.RefreshToken))

	_, err = flow.TokenVerify(ctx, testMeta(), svc.ID, pair.AccessToken)
	require.ErrorIs(t, err, coreerr.BadRequest)
}

func TestTokenRevoke_IsIdempotent(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	seedUserTokenKey(t, store, svc.ID, user.ID)

	pair, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "correct horse battery")
	require.NoError(t, err)

	require.NoError(t, flow.TokenRevoke(ctx, testMeta(), svc.ID, pair.AccessToken))
	require.NoError(t, flow.TokenRevoke(ctx, testMeta(), svc.ID, pair.AccessToken))
}
