package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

func TestKeyCreateScope(t *testing.T) {
	a, store := testAdmin(t)
	ctx := context.Background()
	svcActor := serviceActor(t, store)
	other := serviceActor(t, store)

	u, err := a.UserCreate(ctx, testMeta(), svcActor, UserCreate{Name: "U", Email: "k@example.com"})
	require.NoError(t, err)

	k, err := a.KeyCreate(ctx, testMeta(), svcActor, KeyCreate{
		Type: storage.KeyUserToken, Name: "tok", ServiceID: svcActor.Service.ID, UserID: u.ID,
	})
	require.NoError(t, err)
	require.Len(t, k.Value, 32)

	// A service cannot mint keys under another service.
	_, err = a.KeyCreate(ctx, testMeta(), svcActor, KeyCreate{
		Type: storage.KeyUserToken, Name: "tok", ServiceID: other.Service.ID, UserID: u.ID,
	})
	require.ErrorIs(t, err, coreerr.Unauthorised)

	// Root keys never come from this surface.
	_, err = a.KeyCreate(ctx, testMeta(), rootActor(t, store), KeyCreate{Type: storage.KeyRoot, Name: "boot"})
	require.ErrorIs(t, err, coreerr.BadRequest)
}

func TestKeyCreateUserTokenConstraintSurfaces(t *testing.T) {
	a, store := testAdmin(t)
	ctx := context.Background()
	svcActor := serviceActor(t, store)

	u, err := a.UserCreate(ctx, testMeta(), svcActor, UserCreate{Name: "U", Email: "dup@example.com"})
	require.NoError(t, err)

	req := KeyCreate{Type: storage.KeyUserToken, Name: "tok", ServiceID: svcActor.Service.ID, UserID: u.ID}
	_, err = a.KeyCreate(ctx, testMeta(), svcActor, req)
	require.NoError(t, err)

	_, err = a.KeyCreate(ctx, testMeta(), svcActor, req)
	require.ErrorIs(t, err, coreerr.KeyUserTokenConstraint)
}

func TestKeyReadForeignServiceIsNotFound(t *testing.T) {
	a, store := testAdmin(t)
	ctx := context.Background()
	svcActor := serviceActor(t, store)
	other := serviceActor(t, store)

	k, err := a.KeyCreate(ctx, testMeta(), svcActor, KeyCreate{
		Type: storage.KeyService, Name: "extra", ServiceID: svcActor.Service.ID,
	})
	require.NoError(t, err)

	got, err := a.KeyRead(ctx, svcActor, k.ID)
	require.NoError(t, err)
	require.Equal(t, k.Value, got.Value)

	_, err = a.KeyRead(ctx, other, k.ID)
	require.ErrorIs(t, err, coreerr.NotFound)
}

func TestKeyUpdateNeverReenablesRevoked(t *testing.T) {
	a, store := testAdmin(t)
	ctx := context.Background()
	svcActor := serviceActor(t, store)

	k, err := a.KeyCreate(ctx, testMeta(), svcActor, KeyCreate{
		Type: storage.KeyService, Name: "extra", ServiceID: svcActor.Service.ID,
	})
	require.NoError(t, err)

	_, err = store.UpdateKey(ctx, k.ID, func(old storage.Key) (storage.Key, error) {
		old.IsRevoked = true
		old.IsEnabled = false
		return old, nil
	})
	require.NoError(t, err)

	enabled := true
	_, err = a.KeyUpdate(ctx, testMeta(), svcActor, k.ID, KeyPatch{IsEnabled: &enabled})
	require.ErrorIs(t, err, coreerr.BadRequest)

	// Renaming a revoked key is still allowed; only enablement is terminal.
	name := "renamed"
	updated, err := a.KeyUpdate(ctx, testMeta(), svcActor, k.ID, KeyPatch{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
	require.True(t, updated.IsRevoked)
}

func TestKeyListScopedToOwnService(t *testing.T) {
	a, store := testAdmin(t)
	ctx := context.Background()
	svcActor := serviceActor(t, store)
	other := serviceActor(t, store)
	root := rootActor(t, store)

	_, err := a.KeyCreate(ctx, testMeta(), svcActor, KeyCreate{
		Type: storage.KeyService, Name: "extra", ServiceID: svcActor.Service.ID,
	})
	require.NoError(t, err)

	// The service actor's own key plus the one just created; asking for the
	// other service's id is silently overridden to its own scope.
	keys, err := a.KeyList(ctx, svcActor, other.Service.ID, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		require.Equal(t, svcActor.Service.ID, k.ServiceID)
	}

	all, err := a.KeyList(ctx, root, "", storage.ListOptions{})
	require.NoError(t, err)
	// Both services' keys, the created key, and the root key itself.
	require.Len(t, all, 4)
}
