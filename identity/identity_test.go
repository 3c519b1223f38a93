package identity

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/authn"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/storage/memory"
)

func testAdmin(t *testing.T) (*Admin, storage.Storage) {
	t.Helper()
	store := memory.New(logrus.StandardLogger())
	t.Cleanup(func() { _ = store.Close() })
	return New(store, logrus.StandardLogger()), store
}

func testMeta() audit.Meta {
	return audit.Meta{UserAgent: "test-agent", RemoteAddr: "127.0.0.1"}
}

func rootActor(t *testing.T, store storage.Storage) authn.Actor {
	t.Helper()
	k, err := keymod.Create(context.Background(), store, storage.Key{
		Type:      storage.KeyRoot,
		IsEnabled: true,
		Name:      "root",
	})
	require.NoError(t, err)
	return authn.Actor{Kind: authn.ActorRoot, Key: k}
}

func serviceActor(t *testing.T, store storage.Storage) authn.Actor {
	t.Helper()
	svc, err := store.CreateService(context.Background(), storage.Service{
		ID:        storage.NewID(),
		IsEnabled: true,
		Name:      "acme",
		URL:       "https://acme.example.com",
	})
	require.NoError(t, err)
	k, err := keymod.Create(context.Background(), store, storage.Key{
		Type:      storage.KeyService,
		IsEnabled: true,
		Name:      "acme key",
		ServiceID: svc.ID,
	})
	require.NoError(t, err)
	return authn.Actor{Kind: authn.ActorService, Key: k, Service: svc}
}
