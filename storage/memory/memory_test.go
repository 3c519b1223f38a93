package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/storage"
)

func TestServiceCRUD(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	svc, err := s.CreateService(ctx, storage.Service{ID: "svc1", Name: "Example"})
	require.NoError(t, err)
	require.Equal(t, "svc1", svc.ID)

	_, err = s.CreateService(ctx, storage.Service{ID: "svc1"})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := s.GetService(ctx, "svc1")
	require.NoError(t, err)
	require.Equal(t, "Example", got.Name)

	updated, err := s.UpdateService(ctx, "svc1", func(old storage.Service) (storage.Service, error) {
		old.Name = "Renamed"
		return old, nil
	})
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated.Name)

	_, err = s.GetService(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteService(ctx, "svc1"))
	_, err = s.GetService(ctx, "svc1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKeyLookups(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	k, err := s.CreateKey(ctx, storage.Key{
		ID: "key1", Type: storage.KeyUserToken, Value: "abc", IsEnabled: true,
		UserID: "user1", ServiceID: "svc1",
	})
	require.NoError(t, err)
	require.Equal(t, "key1", k.ID)

	got, err := s.GetKeyByValue(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, "key1", got.ID)

	got, err = s.GetKeyByUserAndService(ctx, "user1", "svc1", storage.KeyUserToken)
	require.NoError(t, err)
	require.Equal(t, "key1", got.ID)

	_, err = s.GetKeyByValue(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetKeyByUserAndServiceSkipsRevoked(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	_, err := s.CreateKey(ctx, storage.Key{
		ID: "old", Type: storage.KeyUserToken, Value: "old-value",
		IsRevoked: true, UserID: "user1", ServiceID: "svc1",
	})
	require.NoError(t, err)

	// Only the revoked key exists: the lookup reports not found, the same
	// answer the SQL driver's is_enabled/not is_revoked filter gives.
	_, err = s.GetKeyByUserAndService(ctx, "user1", "svc1", storage.KeyUserToken)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Its active replacement is always the one returned, regardless of map
	// iteration order.
	_, err = s.CreateKey(ctx, storage.Key{
		ID: "new", Type: storage.KeyUserToken, Value: "new-value",
		IsEnabled: true, UserID: "user1", ServiceID: "svc1",
	})
	require.NoError(t, err)

	got, err := s.GetKeyByUserAndService(ctx, "user1", "svc1", storage.KeyUserToken)
	require.NoError(t, err)
	require.Equal(t, "new", got.ID)
}

func TestUserEmailUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	_, err := s.CreateUser(ctx, storage.User{ID: "u1", Email: "a@example.com"})
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, storage.User{ID: "u2", Email: "a@example.com"})
	require.ErrorIs(t, err, storage.ErrConstraint)

	got, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, "u1", got.ID)
}

func TestCsrfReadDeletesRow(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	_, err := s.CreateCsrf(ctx, storage.Csrf{Key: "k1", Value: "v1", TTL: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	got, err := s.GetCsrf(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", got.Value)

	_, err = s.GetCsrf(ctx, "k1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCsrfExpirySwept(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	_, err := s.CreateCsrf(ctx, storage.Csrf{Key: "k1", Value: "v1", TTL: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	_, err = s.GetCsrf(ctx, "k1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.DeleteExpiredCsrf(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestAuditListAndMetrics(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	now := time.Now()
	_, err := s.CreateAudit(ctx, storage.AuditEntry{ID: "a1", CreatedAt: now, Type: "login", ServiceID: "svc1", StatusCode: 200})
	require.NoError(t, err)
	_, err = s.CreateAudit(ctx, storage.AuditEntry{ID: "a2", CreatedAt: now.Add(time.Second), Type: "login", ServiceID: "svc1", StatusCode: 403})
	require.NoError(t, err)

	entries, err := s.ListAudit(ctx, storage.AuditQuery{Types: []string{"login"}, ServiceID: "svc1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	counts, err := s.ReadAuditMetrics(ctx, now.Add(-time.Minute), "svc1")
	require.NoError(t, err)
	require.Len(t, counts, 2)

	n, err := s.DeleteAuditOlderThan(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestExclusiveLockSerialises(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	var counter int
	done := make(chan struct{})
	go func() {
		_ = s.ExclusiveLock(ctx, 1, 2, func() error {
			counter++
			time.Sleep(10 * time.Millisecond)
			return nil
		})
		close(done)
	}()

	require.NoError(t, s.ExclusiveLock(ctx, 1, 2, func() error {
		counter++
		return nil
	}))
	<-done
	require.Equal(t, 2, counter)
}
