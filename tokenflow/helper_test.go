package tokenflow

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/storage/memory"
)

func testFlow(t *testing.T) (*Flow, storage.Storage) {
	t.Helper()
	store := memory.New(logrus.StandardLogger())
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil, logrus.StandardLogger()), store
}

func testMeta() audit.Meta {
	return audit.Meta{UserAgent: "test-agent", RemoteAddr: "127.0.0.1"}
}

func seedService(t *testing.T, store storage.Storage, mutate func(*storage.Service)) storage.Service {
	t.Helper()
	svc := storage.Service{
		ID:                storage.NewID(),
		IsEnabled:         true,
		Name:              "acme",
		URL:               "https://acme.example.com/callback",
		UserAllowRegister: true,
	}
	if mutate != nil {
		mutate(&svc)
	}
	created, err := store.CreateService(context.Background(), svc)
	require.NoError(t, err)
	return created
}

func seedUser(t *testing.T, store storage.Storage, email, password string, mutate func(*storage.User)) storage.User {
	t.Helper()
	hash, err := corecrypto.HashPassword(password)
	require.NoError(t, err)
	u := storage.User{
		ID:                 storage.NewID(),
		IsEnabled:          true,
		Name:               "Ada Lovelace",
		Email:              email,
		Locale:             "en-US",
		Timezone:           "UTC",
		PasswordHash:       hash,
		PasswordAllowReset: true,
	}
	if mutate != nil {
		mutate(&u)
	}
	created, err := store.CreateUser(context.Background(), u)
	require.NoError(t, err)
	return created
}

func seedUserTokenKey(t *testing.T, store storage.Storage, serviceID, userID string) storage.Key {
	t.Helper()
	key, err := keymod.Create(context.Background(), store, storage.Key{
		Type:      storage.KeyUserToken,
		IsEnabled: true,
		ServiceID: serviceID,
		UserID:    userID,
	})
	require.NoError(t, err)
	return key
}

// issueResetTokenForTest mints a reset-password token directly, bypassing
// the notifier dispatch that PasswordResetRequest performs internally.
func issueResetTokenForTest(f *Flow, serviceID, userID string, tokenKey storage.Key) (string, error) {
	return corecrypto.EncodeToken(tokenKey.Value, serviceID, userID, corecrypto.ClaimsTypeResetPasswordToken, f.now().Add(f.ResetTokenExpiry))
}
