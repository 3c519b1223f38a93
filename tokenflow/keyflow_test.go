package tokenflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/storage"
)

func seedUserKey(t *testing.T, store storage.Storage, serviceID, userID string) storage.Key {
	t.Helper()
	key, err := keymod.Create(context.Background(), store, storage.Key{
		Type:      storage.KeyUserKey,
		IsEnabled: true,
		ServiceID: serviceID,
		UserID:    userID,
	})
	require.NoError(t, err)
	return key
}

func TestKeyVerify_Success(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	key := seedUserKey(t, store, svc.ID, user.ID)

	verified, err := flow.KeyVerify(ctx, testMeta(), svc.ID, key.Value)
	require.NoError(t, err)
	require.Equal(t, key.ID, verified.ID)
}

func TestKeyVerify_WrongServiceFails(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	other := seedService(t, store, func(s *storage.Service) { s.Name = "other" })
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	key := seedUserKey(t, store, svc.ID, user.ID)

	_, err := flow.KeyVerify(ctx, testMeta(), other.ID, key.Value)
	require.ErrorIs(t, err, coreerr.BadRequest)
}

func TestKeyVerify_MalformedValueRejectedBeforeLookup(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)

	// Wrong length and wrong charset both fail validation; neither reaches
	// the store.
	_, err := flow.KeyVerify(ctx, testMeta(), svc.ID, "tooshort")
	require.ErrorIs(t, err, coreerr.BadRequest)

	_, err = flow.KeyVerify(ctx, testMeta(), svc.ID, "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	require.ErrorIs(t, err, coreerr.BadRequest)

	require.ErrorIs(t, flow.KeyRevoke(ctx, testMeta(), svc.ID, "tooshort"), coreerr.BadRequest)
}

func TestKeyRevoke_UserTokenKeyInvalidatesTokens(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "guestguest", nil)
	tokenKey := seedUserTokenKey(t, store, svc.ID, user.ID)

	pair, err := flow.LocalLogin(ctx, testMeta(), svc.ID, user.Email, "guestguest")
	require.NoError(t, err)
	_, err = flow.TokenVerify(ctx, testMeta(), svc.ID, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, flow.KeyRevoke(ctx, testMeta(), svc.ID, tokenKey.Value))

	_, err = flow.TokenVerify(ctx, testMeta(), svc.ID, pair.AccessToken)
	require.ErrorIs(t, err, coreerr.BadRequest)
}

func TestKeyRevoke_IsIdempotent(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	key := seedUserKey(t, store, svc.ID, user.ID)

	require.NoError(t, flow.KeyRevoke(ctx, testMeta(), svc.ID, key.Value))
	require.NoError(t, flow.KeyRevoke(ctx, testMeta(), svc.ID, key.Value))

	_, err := flow.KeyVerify(ctx, testMeta(), svc.ID, key.Value)
	require.ErrorIs(t, err, coreerr.BadRequest)
}
