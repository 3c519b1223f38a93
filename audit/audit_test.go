package audit

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/storage/memory"
)

func TestCommitSuccessRecordsSubjectAndDiff(t *testing.T) {
	store := memory.New(logrus.StandardLogger())
	ctx := context.Background()

	b := NewBuilder(Meta{UserAgent: "test-agent", RemoteAddr: "127.0.0.1"}, "AuthLocalLogin").
		SetServiceID("svc1").
		SetUserID("user1")

	err := b.CommitSuccess(ctx, store, 200, "user1", Diff{Previous: nil, Current: map[string]string{"email": "u@t.c"}})
	require.NoError(t, err)

	entries, err := List(ctx, store, storage.AuditQuery{ServiceID: "svc1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "user1", entries[0].Subject)
	require.Equal(t, "AuthLocalLogin", entries[0].Type)
	require.Contains(t, string(entries[0].Data), "email")
}

func TestCommitErrorRecordsTaxonomyTag(t *testing.T) {
	store := memory.New(logrus.StandardLogger())
	ctx := context.Background()

	b := NewBuilder(Meta{}, "AuthLocalLogin").SetServiceID("svc1")
	b.CommitError(ctx, store, logrus.StandardLogger(), 400, coreerr.BadRequest)

	entries, err := List(ctx, store, storage.AuditQuery{ServiceID: "svc1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Empty(t, entries[0].Subject)
	require.Contains(t, string(entries[0].Data), "BadRequest")
}

func TestRetentionDeletesOnlyOlderThanWindow(t *testing.T) {
	store := memory.New(logrus.StandardLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	seed := []time.Time{now.Add(-8 * 24 * time.Hour), now.Add(-3 * 24 * time.Hour), now}
	for _, ts := range seed {
		_, err := store.CreateAudit(ctx, storage.AuditEntry{
			ID:        ts.String(),
			CreatedAt: ts,
			Type:      "AuthLocalLogin",
		})
		require.NoError(t, err)
	}

	n, err := RunRetention(ctx, store, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	remaining, err := List(ctx, store, storage.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

func TestReadNotFound(t *testing.T) {
	store := memory.New(logrus.StandardLogger())
	_, err := Read(context.Background(), store, "missing")
	require.ErrorIs(t, err, coreerr.NotFound)
}
