package tokenflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/coreerr"
)

func TestTokenVerify_RoundTrip(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	seedUserTokenKey(t, store, svc.ID, user.ID)

	pair, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "correct horse battery")
	require.NoError(t, err)

	verified, err := flow.TokenVerify(ctx, testMeta(), svc.ID, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, verified.User.ID)
	require.Equal(t, pair.AccessExp, verified.ExpiresAt)
}

func TestTokenVerify_RevokedKeyFails(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	seedUserTokenKey(t, store, svc.ID, user.ID)

	pair, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "correct horse battery")
	require.NoError(t, err)

	require.NoError(t, flow.TokenRevoke(ctx, testMeta(), svc.ID, pair.AccessToken))

	_, err = flow.TokenVerify(ctx, testMeta(), svc.ID, pair.AccessToken)
	require.ErrorIs(t, err, coreerr.BadRequest)
}

func TestTokenVerify_GarbageTokenFails(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()
	svc := seedService(t, store, nil)

	_, err := flow.TokenVerify(ctx, testMeta(), svc.ID, "not-a-jwt")
	require.ErrorIs(t, err, coreerr.BadRequest)
}
