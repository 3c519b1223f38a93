package tokenflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

func TestEmailUpdate_ChangesEmailAndIssuesRevokeToken(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	seedUserTokenKey(t, store, svc.ID, user.ID)

	require.NoError(t, flow.EmailUpdate(ctx, testMeta(), svc.ID, user.ID, "ada.new@example.com"))

	updated, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "ada.new@example.com", updated.Email)
}

func TestEmailUpdateRevoke_RestoresOldEmailAndIsSingleUse(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	tokenKey := seedUserTokenKey(t, store, svc.ID, user.ID)

	revokeToken, err := flow.issueRevokeToken(ctx, svc.ID, user.ID, tokenKey.Value, corecrypto.ClaimsTypeUpdateEmailRevokeToken, "ada@example.com")
	require.NoError(t, err)

	_, err = store.UpdateUser(ctx, user.ID, func(old storage.User) (storage.User, error) {
		old.Email = "ada.new@example.com"
		return old, nil
	})
	require.NoError(t, err)

	require.NoError(t, flow.EmailUpdateRevoke(ctx, testMeta(), svc.ID, revokeToken))

	reverted, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", reverted.Email)

	err = flow.EmailUpdateRevoke(ctx, testMeta(), svc.ID, revokeToken)
	require.ErrorIs(t, err, coreerr.CsrfNotFoundOrUsed)
}

func TestPasswordUpdate_ChangesPasswordUnderLock(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	seedUserTokenKey(t, store, svc.ID, user.ID)

	require.NoError(t, flow.PasswordUpdate(ctx, testMeta(), svc.ID, user.ID, "a brand new passphrase"))

	_, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "a brand new passphrase")
	require.NoError(t, err)
}
