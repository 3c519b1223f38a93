package identity

import (
	"context"
	"errors"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/authn"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/validate"
)

// KeyCreate is the input to Admin.KeyCreate. The bearer value is always
// generated server-side; callers never supply one.
type KeyCreate struct {
	Type      storage.KeyKind
	Name      string
	ServiceID string
	UserID    string
}

// KeyPatch carries the updatable Key fields; nil means unchanged. A revoked
// key cannot be re-enabled through here or anywhere else.
type KeyPatch struct {
	IsEnabled *bool
	Name      *string
}

// KeyCreate mints a new key. Root may create keys for any service; a service
// only within itself. Root keys are never minted through this surface — the
// bootstrap credential comes from the CLI.
func (a *Admin) KeyCreate(ctx context.Context, meta audit.Meta, actor authn.Actor, req KeyCreate) (storage.Key, error) {
	b := audit.NewBuilder(meta, "KeyCreate").SetKeyID(actor.Key.ID).SetServiceID(req.ServiceID)
	if req.UserID != "" {
		b.SetUserID(req.UserID)
	}

	created, err := a.keyCreate(ctx, actor, req)
	if err != nil {
		b.CommitError(ctx, a.Store, a.Logger, statusFor(err), err)
		return storage.Key{}, err
	}
	b.SetUserKeyID(created.ID)
	if err := b.CommitSuccess(ctx, a.Store, 200, created.ID, audit.Diff{Current: viewKey(created)}); err != nil {
		return storage.Key{}, err
	}
	return created, nil
}

func (a *Admin) keyCreate(ctx context.Context, actor authn.Actor, req KeyCreate) (storage.Key, error) {
	if req.Type == storage.KeyRoot {
		return storage.Key{}, coreerr.BadRequest
	}
	if !canAdminService(actor, req.ServiceID) {
		return storage.Key{}, coreerr.Unauthorised
	}
	if err := validate.Name(req.Name); err != nil {
		return storage.Key{}, err
	}

	now := nowUTC()
	return keymod.Create(ctx, a.Store, storage.Key{
		IsEnabled: true,
		Type:      req.Type,
		Name:      req.Name,
		ServiceID: req.ServiceID,
		UserID:    req.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// KeyRead returns the key with id. Scope follows the key's own service: root
// reads anything, a service only keys bound to it. Root keys (no service)
// are root-readable only.
func (a *Admin) KeyRead(ctx context.Context, actor authn.Actor, id string) (storage.Key, error) {
	if actor.Kind != authn.ActorRoot && actor.Kind != authn.ActorService {
		return storage.Key{}, coreerr.Unauthorised
	}
	k, err := a.Store.GetKey(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Key{}, coreerr.NotFound
		}
		return storage.Key{}, coreerr.Driver
	}
	if actor.Kind != authn.ActorRoot && !canAdminService(actor, k.ServiceID) {
		// Report NotFound, not Unauthorised: a service probing foreign key IDs
		// learns nothing about which ones exist.
		return storage.Key{}, coreerr.NotFound
	}
	return k, nil
}

// KeyUpdate applies patch to the key with id and records a previous/current
// diff. Enabling a revoked key is refused: revoke is terminal.
func (a *Admin) KeyUpdate(ctx context.Context, meta audit.Meta, actor authn.Actor, id string, patch KeyPatch) (storage.Key, error) {
	b := audit.NewBuilder(meta, "KeyUpdate").SetKeyID(actor.Key.ID).SetUserKeyID(id)

	previous, updated, err := a.keyUpdate(ctx, actor, id, patch)
	if err != nil {
		b.CommitError(ctx, a.Store, a.Logger, statusFor(err), err)
		return storage.Key{}, err
	}
	b.SetServiceID(updated.ServiceID)
	diff := audit.Diff{Previous: viewKey(previous), Current: viewKey(updated)}
	if err := b.CommitSuccess(ctx, a.Store, 200, updated.ID, diff); err != nil {
		return storage.Key{}, err
	}
	return updated, nil
}

func (a *Admin) keyUpdate(ctx context.Context, actor authn.Actor, id string, patch KeyPatch) (previous, updated storage.Key, err error) {
	existing, err := a.KeyRead(ctx, actor, id)
	if err != nil {
		return storage.Key{}, storage.Key{}, err
	}
	if patch.Name != nil {
		if err := validate.Name(*patch.Name); err != nil {
			return storage.Key{}, storage.Key{}, err
		}
	}
	if patch.IsEnabled != nil && *patch.IsEnabled && existing.IsRevoked {
		return storage.Key{}, storage.Key{}, coreerr.BadRequest
	}

	updated, err = a.Store.UpdateKey(ctx, id, func(old storage.Key) (storage.Key, error) {
		previous = old
		if patch.IsEnabled != nil {
			if *patch.IsEnabled && old.IsRevoked {
				return storage.Key{}, storage.ErrConstraint
			}
			old.IsEnabled = *patch.IsEnabled
		}
		if patch.Name != nil {
			old.Name = *patch.Name
		}
		old.UpdatedAt = nowUTC()
		return old, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return storage.Key{}, storage.Key{}, coreerr.NotFound
		case errors.Is(err, storage.ErrConstraint):
			return storage.Key{}, storage.Key{}, coreerr.BadRequest
		default:
			return storage.Key{}, storage.Key{}, coreerr.Driver
		}
	}
	return previous, updated, nil
}

// KeyDelete removes a key outright. Deleting a UserToken key invalidates
// every JWT signed with its value, the same terminal semantics the token
// revoke flow has.
func (a *Admin) KeyDelete(ctx context.Context, meta audit.Meta, actor authn.Actor, id string) error {
	b := audit.NewBuilder(meta, "KeyDelete").SetKeyID(actor.Key.ID).SetUserKeyID(id)

	previous, err := a.keyDelete(ctx, actor, id)
	if err != nil {
		b.CommitError(ctx, a.Store, a.Logger, statusFor(err), err)
		return err
	}
	b.SetServiceID(previous.ServiceID)
	return b.CommitSuccess(ctx, a.Store, 200, id, audit.Diff{Previous: viewKey(previous)})
}

func (a *Admin) keyDelete(ctx context.Context, actor authn.Actor, id string) (storage.Key, error) {
	previous, err := a.KeyRead(ctx, actor, id)
	if err != nil {
		return storage.Key{}, err
	}
	if err := a.Store.DeleteKey(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Key{}, coreerr.NotFound
		}
		return storage.Key{}, coreerr.Driver
	}
	return previous, nil
}

// KeyList pages over keys. Root may pass any serviceID (or "" for all); a
// service is always constrained to its own.
func (a *Admin) KeyList(ctx context.Context, actor authn.Actor, serviceID string, opts storage.ListOptions) ([]storage.Key, error) {
	switch actor.Kind {
	case authn.ActorRoot:
	case authn.ActorService:
		serviceID = actor.Service.ID
	default:
		return nil, coreerr.Unauthorised
	}
	out, err := a.Store.ListKeys(ctx, serviceID, opts)
	if err != nil {
		return nil, coreerr.Driver
	}
	return out, nil
}
