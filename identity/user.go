package identity

import (
	"context"
	"errors"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/authn"
	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/validate"
)

// UserCreate is the input to Admin.UserCreate. Password is optional: a user
// provisioned for OAuth2-only login never gets one.
type UserCreate struct {
	Name                  string
	Email                 string
	Locale                string
	Timezone              string
	Password              string
	PasswordAllowReset    bool
	PasswordRequireUpdate bool
}

// UserPatch carries the updatable User fields; nil means unchanged. Password
// changes do not go through here — they run through tokenflow's update and
// reset machines, which own the revoke-token and key-rotation semantics.
type UserPatch struct {
	IsEnabled             *bool
	Name                  *string
	Locale                *string
	Timezone              *string
	PasswordAllowReset    *bool
	PasswordRequireUpdate *bool
}

// UserCreate registers a new user. Root or any enabled service may create
// users; the user itself is service-agnostic and only keys bind it anywhere.
// A duplicate email reports the UserEmailConstraint reason.
func (a *Admin) UserCreate(ctx context.Context, meta audit.Meta, actor authn.Actor, req UserCreate) (storage.User, error) {
	b := audit.NewBuilder(meta, "UserCreate").SetKeyID(actor.Key.ID)
	if actor.Kind == authn.ActorService {
		b.SetServiceID(actor.Service.ID)
	}

	created, err := a.userCreate(ctx, actor, req)
	if err != nil {
		b.CommitError(ctx, a.Store, a.Logger, statusFor(err), err)
		return storage.User{}, err
	}
	b.SetUserID(created.ID)
	if err := b.CommitSuccess(ctx, a.Store, 200, created.ID, audit.Diff{Current: viewUser(created)}); err != nil {
		return storage.User{}, err
	}
	return created, nil
}

func (a *Admin) userCreate(ctx context.Context, actor authn.Actor, req UserCreate) (storage.User, error) {
	if actor.Kind != authn.ActorRoot && actor.Kind != authn.ActorService {
		return storage.User{}, coreerr.Unauthorised
	}
	if err := validate.Name(req.Name); err != nil {
		return storage.User{}, err
	}
	if err := validate.Email(req.Email); err != nil {
		return storage.User{}, err
	}
	if req.Locale != "" {
		if err := validate.Locale(req.Locale); err != nil {
			return storage.User{}, err
		}
	}
	if req.Timezone != "" {
		if err := validate.Timezone(req.Timezone); err != nil {
			return storage.User{}, err
		}
	}

	var hash string
	if req.Password != "" {
		if err := validate.Password(req.Password); err != nil {
			return storage.User{}, err
		}
		if a.PwnedEnabled {
			if found, err := validate.CheckPwned(ctx, req.Password); err != nil {
				a.Logger.WithError(err).Debug("identity: pwned-password check unavailable")
			} else if found {
				a.Logger.WithField("email", req.Email).Warn("identity: password matches a known breach corpus entry")
			}
		}
		h, err := corecrypto.HashPassword(req.Password)
		if err != nil {
			return storage.User{}, coreerr.Driver
		}
		hash = h
	}

	now := nowUTC()
	created, err := a.Store.CreateUser(ctx, storage.User{
		ID:                    storage.NewID(),
		IsEnabled:             true,
		Name:                  req.Name,
		Email:                 req.Email,
		Locale:                req.Locale,
		Timezone:              req.Timezone,
		PasswordHash:          hash,
		PasswordAllowReset:    req.PasswordAllowReset,
		PasswordRequireUpdate: req.PasswordRequireUpdate,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConstraint) || errors.Is(err, storage.ErrAlreadyExists) {
			return storage.User{}, coreerr.UserEmailConstraint
		}
		return storage.User{}, coreerr.Driver
	}
	return created, nil
}

// UserRead returns the user with id. Root or any enabled service.
func (a *Admin) UserRead(ctx context.Context, actor authn.Actor, id string) (storage.User, error) {
	if actor.Kind != authn.ActorRoot && actor.Kind != authn.ActorService {
		return storage.User{}, coreerr.Unauthorised
	}
	u, err := a.Store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, coreerr.NotFound
		}
		return storage.User{}, coreerr.Driver
	}
	return u, nil
}

// UserReadByEmail returns the user with the given email. Root or any
// enabled service.
func (a *Admin) UserReadByEmail(ctx context.Context, actor authn.Actor, email string) (storage.User, error) {
	if actor.Kind != authn.ActorRoot && actor.Kind != authn.ActorService {
		return storage.User{}, coreerr.Unauthorised
	}
	if err := validate.Email(email); err != nil {
		return storage.User{}, err
	}
	u, err := a.Store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, coreerr.NotFound
		}
		return storage.User{}, coreerr.Driver
	}
	return u, nil
}

// UserUpdate applies patch to the user with id and records a previous/current
// diff.
func (a *Admin) UserUpdate(ctx context.Context, meta audit.Meta, actor authn.Actor, id string, patch UserPatch) (storage.User, error) {
	b := audit.NewBuilder(meta, "UserUpdate").SetKeyID(actor.Key.ID).SetUserID(id)
	if actor.Kind == authn.ActorService {
		b.SetServiceID(actor.Service.ID)
	}

	previous, updated, err := a.userUpdate(ctx, actor, id, patch)
	if err != nil {
		b.CommitError(ctx, a.Store, a.Logger, statusFor(err), err)
		return storage.User{}, err
	}
	diff := audit.Diff{Previous: viewUser(previous), Current: viewUser(updated)}
	if err := b.CommitSuccess(ctx, a.Store, 200, updated.ID, diff); err != nil {
		return storage.User{}, err
	}
	return updated, nil
}

func (a *Admin) userUpdate(ctx context.Context, actor authn.Actor, id string, patch UserPatch) (previous, updated storage.User, err error) {
	if actor.Kind != authn.ActorRoot && actor.Kind != authn.ActorService {
		return storage.User{}, storage.User{}, coreerr.Unauthorised
	}
	if patch.Name != nil {
		if err := validate.Name(*patch.Name); err != nil {
			return storage.User{}, storage.User{}, err
		}
	}
	if patch.Locale != nil && *patch.Locale != "" {
		if err := validate.Locale(*patch.Locale); err != nil {
			return storage.User{}, storage.User{}, err
		}
	}
	if patch.Timezone != nil && *patch.Timezone != "" {
		if err := validate.Timezone(*patch.Timezone); err != nil {
			return storage.User{}, storage.User{}, err
		}
	}

	updated, err = a.Store.UpdateUser(ctx, id, func(old storage.User) (storage.User, error) {
		previous = old
		if patch.IsEnabled != nil {
			old.IsEnabled = *patch.IsEnabled
		}
		if patch.Name != nil {
			old.Name = *patch.Name
		}
		if patch.Locale != nil {
			old.Locale = *patch.Locale
		}
		if patch.Timezone != nil {
			old.Timezone = *patch.Timezone
		}
		if patch.PasswordAllowReset != nil {
			old.PasswordAllowReset = *patch.PasswordAllowReset
		}
		if patch.PasswordRequireUpdate != nil {
			old.PasswordRequireUpdate = *patch.PasswordRequireUpdate
		}
		old.UpdatedAt = nowUTC()
		return old, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, storage.User{}, coreerr.NotFound
		}
		return storage.User{}, storage.User{}, coreerr.Driver
	}
	return previous, updated, nil
}

// UserDelete removes a user and every key that references it, so no dangling
// credential survives the principal it identified.
func (a *Admin) UserDelete(ctx context.Context, meta audit.Meta, actor authn.Actor, id string) error {
	b := audit.NewBuilder(meta, "UserDelete").SetKeyID(actor.Key.ID).SetUserID(id)
	if actor.Kind == authn.ActorService {
		b.SetServiceID(actor.Service.ID)
	}

	previous, err := a.userDelete(ctx, actor, id)
	if err != nil {
		b.CommitError(ctx, a.Store, a.Logger, statusFor(err), err)
		return err
	}
	return b.CommitSuccess(ctx, a.Store, 200, id, audit.Diff{Previous: viewUser(previous)})
}

func (a *Admin) userDelete(ctx context.Context, actor authn.Actor, id string) (storage.User, error) {
	if actor.Kind != authn.ActorRoot && actor.Kind != authn.ActorService {
		return storage.User{}, coreerr.Unauthorised
	}
	previous, err := a.Store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, coreerr.NotFound
		}
		return storage.User{}, coreerr.Driver
	}

	keys, err := a.Store.ListKeys(ctx, "", storage.ListOptions{})
	if err != nil {
		return storage.User{}, coreerr.Driver
	}
	for _, k := range keys {
		if k.UserID != id {
			continue
		}
		if err := a.Store.DeleteKey(ctx, k.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, coreerr.Driver
		}
	}

	if err := a.Store.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, coreerr.NotFound
		}
		return storage.User{}, coreerr.Driver
	}
	return previous, nil
}

// UserList pages over all users. Root or any enabled service.
func (a *Admin) UserList(ctx context.Context, actor authn.Actor, opts storage.ListOptions) ([]storage.User, error) {
	if actor.Kind != authn.ActorRoot && actor.Kind != authn.ActorService {
		return nil, coreerr.Unauthorised
	}
	out, err := a.Store.ListUsers(ctx, opts)
	if err != nil {
		return nil, coreerr.Driver
	}
	return out, nil
}
