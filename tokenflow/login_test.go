package tokenflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

func TestLocalLogin_Success(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	seedUserTokenKey(t, store, svc.ID, user.ID)

	pair, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "correct horse battery")
	require.NoError(t, err)
	require.Equal(t, user.ID, pair.UserID)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
}

func TestLocalLogin_WrongPasswordAndUnknownEmailBothReturnBadRequest(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	seedUserTokenKey(t, store, svc.ID, user.ID)

	_, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "wrong password")
	require.ErrorIs(t, err, coreerr.BadRequest)

	_, err = flow.LocalLogin(ctx, testMeta(), svc.ID, "nobody@example.com", "whatever password")
	require.ErrorIs(t, err, coreerr.BadRequest)
}

func TestLocalLogin_PasswordUpdateRequired(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", func(u *storage.User) {
		u.PasswordRequireUpdate = true
	})
	seedUserTokenKey(t, store, svc.ID, user.ID)

	_, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "correct horse battery")
	require.ErrorIs(t, err, coreerr.UserPasswordUpdateRequired)
}
