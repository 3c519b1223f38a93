package tokenflow

import (
	"context"
	"testing"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/storage"
)

func TestTotpVerify_AllowsReplayWithinWindow(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)

	secret, err := totp.Generate(totp.GenerateOpts{Issuer: "ssoforge", AccountName: user.Email})
	require.NoError(t, err)

	_, err = keymod.Create(ctx, store, storage.Key{
		Type:      storage.KeyUserTotp,
		IsEnabled: true,
		ServiceID: svc.ID,
		UserID:    user.ID,
		Value:     secret.Secret(),
	})
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret.Secret(), flow.now())
	require.NoError(t, err)

	require.NoError(t, flow.TotpVerify(ctx, testMeta(), svc.ID, user.ID, code))
	// Same code verifies again: no replay guard on TOTP by design.
	require.NoError(t, flow.TotpVerify(ctx, testMeta(), svc.ID, user.ID, code))
}

func TestTotpVerify_WrongCodeFails(t *testing.T) {
	flow, store := testFlow(t)
	ctx := context.Background()

	svc := seedService(t, store, nil)
	user := seedUser(t, store, "ada@example.com", "correct horse battery", nil)

	secret, err := totp.Generate(totp.GenerateOpts{Issuer: "ssoforge", AccountName: user.Email})
	require.NoError(t, err)
	_, err = keymod.Create(ctx, store, storage.Key{
		Type:      storage.KeyUserTotp,
		IsEnabled: true,
		ServiceID: svc.ID,
		UserID:    user.ID,
		Value:     secret.Secret(),
	})
	require.NoError(t, err)

	err = flow.TotpVerify(ctx, testMeta(), svc.ID, user.ID, "000000")
	require.ErrorIs(t, err, coreerr.TotpInvalid)
}
