package identity

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/authn"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

// AuditList pages the audit log, keyset over created_at DESC, id. A service
// actor always sees only its own entries: its ServiceID is forced onto the
// query regardless of what the caller asked for.
func (a *Admin) AuditList(ctx context.Context, actor authn.Actor, q storage.AuditQuery) ([]storage.AuditEntry, error) {
	switch actor.Kind {
	case authn.ActorRoot:
	case authn.ActorService:
		q.ServiceID = actor.Service.ID
	default:
		return nil, coreerr.Unauthorised
	}
	return audit.List(ctx, a.Store, q)
}

// AuditRead fetches one audit entry. A service actor asking for an entry
// outside its scope gets NotFound, the same answer as for an entry that
// doesn't exist.
func (a *Admin) AuditRead(ctx context.Context, actor authn.Actor, id string) (storage.AuditEntry, error) {
	if actor.Kind != authn.ActorRoot && actor.Kind != authn.ActorService {
		return storage.AuditEntry{}, coreerr.Unauthorised
	}
	entry, err := audit.Read(ctx, a.Store, id)
	if err != nil {
		return storage.AuditEntry{}, err
	}
	if actor.Kind == authn.ActorService && entry.ServiceID != actor.Service.ID {
		return storage.AuditEntry{}, coreerr.NotFound
	}
	return entry, nil
}

// AuditCreateRequest is a caller-supplied audit event: services append their
// own domain events (e.g. "UserProfileExported") into the same log the core
// writes to, attributed to the calling key and service.
type AuditCreateRequest struct {
	Type    string
	Subject string
	UserID  string
	Data    json.RawMessage
}

// AuditCreate appends a caller-authored entry. The entry's key/service
// attribution always comes from the authenticated actor, never the request,
// so a service cannot forge events as another.
func (a *Admin) AuditCreate(ctx context.Context, meta audit.Meta, actor authn.Actor, req AuditCreateRequest) (storage.AuditEntry, error) {
	if actor.Kind != authn.ActorRoot && actor.Kind != authn.ActorService {
		return storage.AuditEntry{}, coreerr.Unauthorised
	}
	if req.Type == "" {
		return storage.AuditEntry{}, coreerr.BadRequest
	}

	now := nowUTC()
	entry := storage.AuditEntry{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
		UserAgent:  meta.UserAgent,
		RemoteAddr: meta.RemoteAddr,
		Forwarded:  meta.Forwarded,
		StatusCode: 200,
		Type:       req.Type,
		Subject:    req.Subject,
		Data:       req.Data,
		KeyID:      actor.Key.ID,
		UserID:     req.UserID,
	}
	if actor.Kind == authn.ActorService {
		entry.ServiceID = actor.Service.ID
	}

	created, err := a.Store.CreateAudit(ctx, entry)
	if err != nil {
		return storage.AuditEntry{}, coreerr.Driver
	}
	return created, nil
}

// AuditUpdateRequest carries the mutable parts of an audit entry: the subject
// and the data blob, each replaced wholesale when set by the designated
// annotation endpoint.
type AuditUpdateRequest struct {
	Subject *string
	Data    json.RawMessage
}

// AuditUpdate annotates an existing entry. Scope rules match AuditRead.
// Everything but subject and data is immutable.
func (a *Admin) AuditUpdate(ctx context.Context, actor authn.Actor, id string, req AuditUpdateRequest) (storage.AuditEntry, error) {
	if _, err := a.AuditRead(ctx, actor, id); err != nil {
		return storage.AuditEntry{}, err
	}
	return audit.Update(ctx, a.Store, id, func(old storage.AuditEntry) (storage.AuditEntry, error) {
		if req.Subject != nil {
			old.Subject = *req.Subject
		}
		if req.Data != nil {
			old.Data = req.Data
		}
		old.UpdatedAt = nowUTC()
		return old, nil
	})
}
