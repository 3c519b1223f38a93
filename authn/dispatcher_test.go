package authn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/storage/memory"
)

func seed(t *testing.T) storage.Storage {
	t.Helper()
	s := memory.New(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.CreateService(ctx, storage.Service{ID: "svc1", IsEnabled: true, Name: "Example", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	_, err = s.CreateKey(ctx, storage.Key{ID: "k-service", Type: storage.KeyService, Value: "service-secret", ServiceID: "svc1", IsEnabled: true, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	_, err = s.CreateKey(ctx, storage.Key{ID: "k-root", Type: storage.KeyRoot, Value: "root-secret", IsEnabled: true, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, storage.User{ID: "u1", IsEnabled: true, Email: "u@t.c", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	_, err = s.CreateKey(ctx, storage.Key{ID: "k-usertoken", Type: storage.KeyUserToken, Value: "user-token-secret", ServiceID: "svc1", UserID: "u1", IsEnabled: true, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	return s
}

func TestAuthenticateEmptyBearer(t *testing.T) {
	d := New(seed(t))
	_, err := d.Authenticate(context.Background(), "", ServiceAuthenticate)
	require.ErrorIs(t, err, coreerr.Unauthorised)
}

func TestAuthenticateService(t *testing.T) {
	d := New(seed(t))
	actor, err := d.Authenticate(context.Background(), "Bearer service-secret", ServiceAuthenticate)
	require.NoError(t, err)
	require.Equal(t, ActorService, actor.Kind)
	require.Equal(t, "svc1", actor.Service.ID)
}

func TestAuthenticateRootRejectedForServiceMode(t *testing.T) {
	d := New(seed(t))
	_, err := d.Authenticate(context.Background(), "root-secret", ServiceAuthenticate)
	require.ErrorIs(t, err, coreerr.Unauthorised)

	actor, err := d.Authenticate(context.Background(), "root-secret", KeyAuthenticate)
	require.NoError(t, err)
	require.Equal(t, ActorRoot, actor.Kind)
}

func TestAuthenticateUserToken(t *testing.T) {
	d := New(seed(t))
	actor, err := d.Authenticate(context.Background(), "user-token-secret", UserAuthenticate)
	require.NoError(t, err)
	require.Equal(t, ActorUser, actor.Kind)
	require.Equal(t, "u1", actor.User.ID)

	_, err = d.Authenticate(context.Background(), "user-token-secret", ServiceAuthenticate)
	require.ErrorIs(t, err, coreerr.Unauthorised)
}

func TestAuthenticateUnknownKey(t *testing.T) {
	d := New(seed(t))
	_, err := d.Authenticate(context.Background(), "nope", ServiceAuthenticate)
	require.ErrorIs(t, err, coreerr.Unauthorised)
}
