package tokenflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

func TestPasswordResetRequest_UnknownEmailReportsSuccess(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()
	svc := seedService(t, store, nil)

	err := flow.PasswordResetRequest(ctx, testMeta(), svc.ID, "nobody@example.com")
	require.NoError(t, err)
}

func TestPasswordResetRequest_ResetDisabledReportsDistinctError(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", func(u *storage.User) {
		u.PasswordAllowReset = false
	})
	seedUserTokenKey(t, store, svc.ID, user.ID)

	err := flow.PasswordResetRequest(ctx, testMeta(), svc.ID, "ada@example.com")
	require.ErrorIs(t, err, coreerr.UserResetPasswordDisabled)
}

func TestPasswordResetConfirm_RotatesKeyAndInvalidatesOldSessions(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	tokenKey := seedUserTokenKey(t, store, svc.ID, user.ID)

	pair, err := flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "correct horse battery")
	require.NoError(t, err)

	resetToken, err := issueResetTokenForTest(flow, svc.ID, user.ID, tokenKey)
	require.NoError(t, err)

	require.NoError(t, flow.PasswordResetConfirm(ctx, testMeta(), svc.ID, resetToken, "a whole new passphrase"))

	// The old access token no longer verifies: its signing key was rotated.
	_, err = flow.TokenVerify(ctx, testMeta(), svc.ID, pair.AccessToken)
	require.ErrorIs(t, err, coreerr.BadRequest)

	// The new password works.
	_, err = flow.LocalLogin(ctx, testMeta(), svc.ID, "ada@example.com", "a whole new passphrase")
	require.NoError(t, err)
}

func TestPasswordResetConfirm_RejectsSameCurrentPassword(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)
	tokenKey := seedUserTokenKey(t, store, svc.ID, user.ID)

	resetToken, err := issueResetTokenForTest(flow, svc.ID, user.ID, tokenKey)
	require.NoError(t, err)

	err = flow.PasswordResetConfirm(ctx, testMeta(), svc.ID, resetToken, "correct horse battery")
	require.ErrorIs(t, err, coreerr.BadRequest)
}
