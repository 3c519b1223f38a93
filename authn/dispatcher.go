// Package authn resolves an inbound bearer credential to an authenticated
// actor. It is the single entry point every protected operation calls
// before doing anything else; it performs no audit writes of its own —
// callers build an audit.Builder from the resolved identifiers.
package authn

import (
	"context"
	"errors"
	"strings"

	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

// Mode selects which key kinds are permissible for the call.
type Mode int

const (
	// ServiceAuthenticate accepts only Service keys. Root keys are rejected.
	ServiceAuthenticate Mode = iota
	// KeyAuthenticate accepts Root keys (for service/key administration) or
	// a Service key.
	KeyAuthenticate
	// UserAuthenticate accepts UserKey/UserToken/UserTotp keys directly, for
	// the rare endpoints that take a user credential without a service
	// credential in front of it.
	UserAuthenticate
)

// ActorKind names which entity a resolved Actor represents.
type ActorKind int

const (
	ActorRoot ActorKind = iota
	ActorService
	ActorUser
)

// Actor is the resolved identity of an authenticated caller.
type Actor struct {
	Kind    ActorKind
	Key     storage.Key
	Service storage.Service
	User    storage.User
}

// Dispatcher resolves bearer credentials against a Storage. It holds no
// state of its own and is safe to share across goroutines.
type Dispatcher struct {
	Store storage.Storage
}

// New returns a Dispatcher backed by store.
func New(store storage.Storage) *Dispatcher {
	return &Dispatcher{Store: store}
}

// ExtractBearer strips an optional "Bearer " prefix from an Authorization
// header value. An empty or whitespace-only result means no credential was
// supplied.
func ExtractBearer(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return header
}

// Authenticate resolves bearer to an Actor per the dispatcher's resolution
// algorithm: absent bearer, unknown/disabled/revoked key, or a key kind
// disallowed for mode all yield coreerr.Unauthorised with no further detail.
func (d *Dispatcher) Authenticate(ctx context.Context, bearer string, mode Mode) (Actor, error) {
	bearer = ExtractBearer(bearer)
	if bearer == "" {
		return Actor{}, coreerr.Unauthorised
	}

	key, err := d.Store.GetKeyByValue(ctx, bearer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Actor{}, coreerr.Unauthorised
		}
		return Actor{}, coreerr.Driver
	}
	if !key.IsEnabled || key.IsRevoked {
		return Actor{}, coreerr.Unauthorised
	}

	switch key.Type {
	case storage.KeyRoot:
		if mode != KeyAuthenticate {
			return Actor{}, coreerr.Unauthorised
		}
		return Actor{Kind: ActorRoot, Key: key}, nil

	case storage.KeyService:
		if mode != ServiceAuthenticate && mode != KeyAuthenticate {
			return Actor{}, coreerr.Unauthorised
		}
		svc, err := d.Store.GetService(ctx, key.ServiceID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Actor{}, coreerr.Unauthorised
			}
			return Actor{}, coreerr.Driver
		}
		if !svc.IsEnabled {
			return Actor{}, coreerr.Unauthorised
		}
		return Actor{Kind: ActorService, Key: key, Service: svc}, nil

	case storage.KeyUserKey, storage.KeyUserToken, storage.KeyUserTotp:
		if mode != UserAuthenticate {
			return Actor{}, coreerr.Unauthorised
		}
		svc, err := d.Store.GetService(ctx, key.ServiceID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Actor{}, coreerr.Unauthorised
			}
			return Actor{}, coreerr.Driver
		}
		user, err := d.Store.GetUser(ctx, key.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Actor{}, coreerr.Unauthorised
			}
			return Actor{}, coreerr.Driver
		}
		if !svc.IsEnabled || !user.IsEnabled {
			return Actor{}, coreerr.Unauthorised
		}
		return Actor{Kind: ActorUser, Key: key, Service: svc, User: user}, nil

	default:
		return Actor{}, coreerr.Unauthorised
	}
}
