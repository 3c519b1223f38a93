package identity

import (
	"context"
	"errors"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/authn"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/validate"
)

// ServiceCreate is the input to Admin.ServiceCreate.
type ServiceCreate struct {
	Name                       string
	URL                        string
	ProviderLocalURL           string
	ProviderGithubOAuth2URL    string
	ProviderMicrosoftOAuth2URL string
	UserAllowRegister          bool
	UserEmailText              string
}

// ServicePatch carries the updatable Service fields; nil means unchanged.
type ServicePatch struct {
	IsEnabled                  *bool
	Name                       *string
	URL                        *string
	ProviderLocalURL           *string
	ProviderGithubOAuth2URL    *string
	ProviderMicrosoftOAuth2URL *string
	UserAllowRegister          *bool
	UserEmailText              *string
}

// ServiceCreate registers a new relying party. Root only: a service cannot
// mint siblings.
func (a *Admin) ServiceCreate(ctx context.Context, meta audit.Meta, actor authn.Actor, req ServiceCreate) (storage.Service, error) {
	b := audit.NewBuilder(meta, "ServiceCreate").SetKeyID(actor.Key.ID)

	created, err := a.serviceCreate(ctx, actor, req)
	if err != nil {
		b.CommitError(ctx, a.Store, a.Logger, statusFor(err), err)
		return storage.Service{}, err
	}
	b.SetServiceID(created.ID)
	if err := b.CommitSuccess(ctx, a.Store, 200, created.ID, audit.Diff{Current: viewService(created)}); err != nil {
		return storage.Service{}, err
	}
	return created, nil
}

func (a *Admin) serviceCreate(ctx context.Context, actor authn.Actor, req ServiceCreate) (storage.Service, error) {
	if actor.Kind != authn.ActorRoot {
		return storage.Service{}, coreerr.Unauthorised
	}
	if err := validate.Name(req.Name); err != nil {
		return storage.Service{}, err
	}
	if err := validate.URL(req.URL); err != nil {
		return storage.Service{}, err
	}

	now := nowUTC()
	created, err := a.Store.CreateService(ctx, storage.Service{
		ID:                         storage.NewID(),
		IsEnabled:                  true,
		Name:                       req.Name,
		URL:                        req.URL,
		ProviderLocalURL:           req.ProviderLocalURL,
		ProviderGithubOAuth2URL:    req.ProviderGithubOAuth2URL,
		ProviderMicrosoftOAuth2URL: req.ProviderMicrosoftOAuth2URL,
		UserAllowRegister:          req.UserAllowRegister,
		UserEmailText:              req.UserEmailText,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	})
	if err != nil {
		return storage.Service{}, coreerr.Driver
	}
	return created, nil
}

// ServiceRead returns the service with id. A service actor may only read
// itself; asking about any other id reports Unauthorised, not NotFound, so
// the response never confirms another service's existence.
func (a *Admin) ServiceRead(ctx context.Context, actor authn.Actor, id string) (storage.Service, error) {
	if !canAdminService(actor, id) {
		return storage.Service{}, coreerr.Unauthorised
	}
	svc, err := a.Store.GetService(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Service{}, coreerr.NotFound
		}
		return storage.Service{}, coreerr.Driver
	}
	return svc, nil
}

// ServiceUpdate applies patch to the service with id and records a
// previous/current diff.
func (a *Admin) ServiceUpdate(ctx context.Context, meta audit.Meta, actor authn.Actor, id string, patch ServicePatch) (storage.Service, error) {
	b := audit.NewBuilder(meta, "ServiceUpdate").SetKeyID(actor.Key.ID).SetServiceID(id)

	previous, updated, err := a.serviceUpdate(ctx, actor, id, patch)
	if err != nil {
		b.CommitError(ctx, a.Store, a.Logger, statusFor(err), err)
		return storage.Service{}, err
	}
	diff := audit.Diff{Previous: viewService(previous), Current: viewService(updated)}
	if err := b.CommitSuccess(ctx, a.Store, 200, updated.ID, diff); err != nil {
		return storage.Service{}, err
	}
	return updated, nil
}

func (a *Admin) serviceUpdate(ctx context.Context, actor authn.Actor, id string, patch ServicePatch) (previous, updated storage.Service, err error) {
	if !canAdminService(actor, id) {
		return storage.Service{}, storage.Service{}, coreerr.Unauthorised
	}
	if patch.Name != nil {
		if err := validate.Name(*patch.Name); err != nil {
			return storage.Service{}, storage.Service{}, err
		}
	}
	if patch.URL != nil {
		if err := validate.URL(*patch.URL); err != nil {
			return storage.Service{}, storage.Service{}, err
		}
	}

	updated, err = a.Store.UpdateService(ctx, id, func(old storage.Service) (storage.Service, error) {
		previous = old
		if patch.IsEnabled != nil {
			old.IsEnabled = *patch.IsEnabled
		}
		if patch.Name != nil {
			old.Name = *patch.Name
		}
		if patch.URL != nil {
			old.URL = *patch.URL
		}
		if patch.ProviderLocalURL != nil {
			old.ProviderLocalURL = *patch.ProviderLocalURL
		}
		if patch.ProviderGithubOAuth2URL != nil {
			old.ProviderGithubOAuth2URL = *patch.ProviderGithubOAuth2URL
		}
		if patch.ProviderMicrosoftOAuth2URL != nil {
			old.ProviderMicrosoftOAuth2URL = *patch.ProviderMicrosoftOAuth2URL
		}
		if patch.UserAllowRegister != nil {
			old.UserAllowRegister = *patch.UserAllowRegister
		}
		if patch.UserEmailText != nil {
			old.UserEmailText = *patch.UserEmailText
		}
		old.UpdatedAt = nowUTC()
		return old, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Service{}, storage.Service{}, coreerr.NotFound
		}
		return storage.Service{}, storage.Service{}, coreerr.Driver
	}
	return previous, updated, nil
}

// ServiceDelete removes a service. Root only. With the memory driver a
// service still referenced by keys cannot be deleted: the driver reports the
// constraint and the caller sees BadRequest. The SQL schema instead cascades
// the delete to the service's keys.
func (a *Admin) ServiceDelete(ctx context.Context, meta audit.Meta, actor authn.Actor, id string) error {
	b := audit.NewBuilder(meta, "ServiceDelete").SetKeyID(actor.Key.ID).SetServiceID(id)

	previous, err := a.serviceDelete(ctx, actor, id)
	if err != nil {
		b.CommitError(ctx, a.Store, a.Logger, statusFor(err), err)
		return err
	}
	return b.CommitSuccess(ctx, a.Store, 200, id, audit.Diff{Previous: viewService(previous)})
}

func (a *Admin) serviceDelete(ctx context.Context, actor authn.Actor, id string) (storage.Service, error) {
	if actor.Kind != authn.ActorRoot {
		return storage.Service{}, coreerr.Unauthorised
	}
	previous, err := a.Store.GetService(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Service{}, coreerr.NotFound
		}
		return storage.Service{}, coreerr.Driver
	}
	if err := a.Store.DeleteService(ctx, id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return storage.Service{}, coreerr.NotFound
		case errors.Is(err, storage.ErrConstraint):
			return storage.Service{}, coreerr.BadRequest
		default:
			return storage.Service{}, coreerr.Driver
		}
	}
	return previous, nil
}

// ServiceList pages over all services. Root only.
func (a *Admin) ServiceList(ctx context.Context, actor authn.Actor, opts storage.ListOptions) ([]storage.Service, error) {
	if actor.Kind != authn.ActorRoot {
		return nil, coreerr.Unauthorised
	}
	out, err := a.Store.ListServices(ctx, opts)
	if err != nil {
		return nil, coreerr.Driver
	}
	return out, nil
}
