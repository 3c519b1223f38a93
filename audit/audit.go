// Package audit records every security-relevant operation as an immutable
// entry. A Builder accumulates request metadata and resolved identifiers as
// an operation proceeds; the caller commits exactly once at the end.
//
// Success writes are must-succeed: if the driver cannot append a success
// event, CommitSuccess returns coreerr.Driver and the caller reports the
// operation as failed. State changes the operation made before the commit
// are not undone. Failure writes are best-effort: CommitError logs and
// swallows a driver error rather than masking the operation's real failure.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

// Meta is the request metadata harvested by the transport before the core is
// ever called: User-Agent, Forwarded header, and the transport-resolved
// remote address.
type Meta struct {
	UserAgent  string
	RemoteAddr string
	Forwarded  string
}

// Builder accumulates identifiers for one audit entry as an operation's
// dispatcher and state-machine steps resolve them.
type Builder struct {
	meta      Meta
	typ       string
	keyID     string
	serviceID string
	userID    string
	userKeyID string
}

// NewBuilder starts a Builder for an operation of the given audit type, e.g.
// "AuthLocalLogin".
func NewBuilder(meta Meta, auditType string) *Builder {
	return &Builder{meta: meta, typ: auditType}
}

func (b *Builder) SetKeyID(id string) *Builder      { b.keyID = id; return b }
func (b *Builder) SetServiceID(id string) *Builder  { b.serviceID = id; return b }
func (b *Builder) SetUserID(id string) *Builder     { b.userID = id; return b }
func (b *Builder) SetUserKeyID(id string) *Builder  { b.userKeyID = id; return b }

// Diff is the before/after payload recorded for state-changing operations.
type Diff struct {
	Previous interface{} `json:"previous"`
	Current  interface{} `json:"current"`
}

// CommitSuccess writes a successful operation's audit entry. subject is the
// domain-defined string naming the affected entity (often a user ID); data,
// if non-nil, is marshalled as the entry's JSON body (typically a Diff). A
// non-nil error here must abort the operation: a successful request with no
// corresponding audit entry is worse than a failed request, so success writes
// are must-succeed rather than best-effort.
func (b *Builder) CommitSuccess(ctx context.Context, store storage.Storage, statusCode int, subject string, data interface{}) error {
	raw, err := marshal(data)
	if err != nil {
		return coreerr.Driver
	}
	_, err = store.CreateAudit(ctx, b.entry(statusCode, subject, raw))
	if err != nil {
		return coreerr.Driver
	}
	return nil
}

// CommitError writes a failed operation's audit entry, recording opErr's
// taxonomy tag in the data blob. Any driver failure while writing this entry
// is logged and swallowed: a best-effort audit write must never mask the
// original error returned to the caller.
func (b *Builder) CommitError(ctx context.Context, store storage.Storage, logger logrus.FieldLogger, statusCode int, opErr error) {
	raw, err := marshal(map[string]string{"error": coreerr.Tag(opErr)})
	if err != nil {
		if logger != nil {
			logger.WithError(err).Warn("audit: marshal error payload")
		}
		return
	}
	if _, err := store.CreateAudit(ctx, b.entry(statusCode, "", raw)); err != nil {
		if logger != nil {
			logger.WithError(err).Warn("audit: best-effort failure write dropped")
		}
	}
}

func (b *Builder) entry(statusCode int, subject string, data []byte) storage.AuditEntry {
	return storage.AuditEntry{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
		UserAgent:  b.meta.UserAgent,
		RemoteAddr: b.meta.RemoteAddr,
		Forwarded:  b.meta.Forwarded,
		StatusCode: statusCode,
		Type:       b.typ,
		Subject:    subject,
		Data:       data,
		KeyID:      b.keyID,
		ServiceID:  b.serviceID,
		UserID:     b.userID,
		UserKeyID:  b.userKeyID,
	}
}

func marshal(data interface{}) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

// List queries the audit log with keyset pagination over created_at DESC, id.
func List(ctx context.Context, store storage.Storage, q storage.AuditQuery) ([]storage.AuditEntry, error) {
	entries, err := store.ListAudit(ctx, q)
	if err != nil {
		return nil, coreerr.Driver
	}
	return entries, nil
}

// Read fetches a single audit entry by ID.
func Read(ctx context.Context, store storage.Storage, id string) (storage.AuditEntry, error) {
	entry, err := store.GetAudit(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.AuditEntry{}, coreerr.NotFound
		}
		return storage.AuditEntry{}, coreerr.Driver
	}
	return entry, nil
}

// Update applies fn to an existing audit entry. Entries are otherwise
// append-only; this is the single designated path for annotating one after
// the fact (e.g. attaching a reviewer note).
func Update(ctx context.Context, store storage.Storage, id string, fn storage.AuditUpdater) (storage.AuditEntry, error) {
	updated, err := store.UpdateAudit(ctx, id, fn)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.AuditEntry{}, coreerr.NotFound
		}
		return storage.AuditEntry{}, coreerr.Driver
	}
	return updated, nil
}

// RunRetention deletes entries older than window, serialised by the driver's
// advisory lock so concurrent sweepers (e.g. one per worker process) never
// race the same deletion.
func RunRetention(ctx context.Context, store storage.Storage, window time.Duration) (int64, error) {
	var n int64
	err := store.ExclusiveLock(ctx, retentionLockK1, retentionLockK2, func() error {
		var err error
		n, err = store.DeleteAuditOlderThan(ctx, time.Now().UTC().Add(-window))
		return err
	})
	if err != nil {
		return 0, coreerr.Driver
	}
	return n, nil
}

// retentionLockK1/K2 are fixed advisory-lock coordinates reserved for the
// retention sweeper; they never collide with a (hash(user), hash(service))
// pair because they're outside the range hash/fnv produces for non-empty
// strings with overwhelming probability, and a collision would only cause
// extra serialisation, never incorrect behavior.
const (
	retentionLockK1 int64 = 0
	retentionLockK2 int64 = 0
)
