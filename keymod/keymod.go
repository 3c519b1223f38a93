// Package keymod enforces the key invariants named in the data model: which
// nullable columns a key kind may populate, and the one-enabled-key-per-kind
// constraint for user-scoped key kinds. It sits directly on storage.Storage
// and is the only package allowed to call CreateKey.
package keymod

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

// valueBytes is the amount of entropy packed into a key's bearer value
// before hex-encoding: 16 random bytes, hex-encoded.
const valueBytes = 16

// NewValue returns a fresh, unpredictable bearer value for a key of kind.
// Every kind but UserTotp gets 16 random bytes, hex-encoded. A UserTotp
// key's value doubles as its HOTP/TOTP base32 secret (spec §4.2), so it is
// provisioned through corecrypto.NewTotpSecret instead: a hex string almost
// always contains a digit outside the base32 alphabet, which would make the
// key permanently unverifiable.
func NewValue(kind storage.KeyKind) (string, error) {
	if kind == storage.KeyUserTotp {
		key, err := corecrypto.NewTotpSecret("ssoforge", uuid.NewString())
		if err != nil {
			return "", err
		}
		return key.Secret(), nil
	}

	buf := make([]byte, valueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Create validates kind's nullable-column invariant, enforces the
// one-enabled-key-per-kind constraint for user-scoped kinds under the
// driver's advisory lock, and inserts the key.
//
// The invariant table:
//
//	Root:                service_id = ∅ ∧ user_id = ∅
//	Service:              service_id ≠ ∅ ∧ user_id = ∅
//	UserKey/Token/Totp:   service_id ≠ ∅ ∧ user_id ≠ ∅
//
// Callers that already hold the (user, service) advisory lock — e.g. a flow
// deleting and recreating a key inside one locked critical section — must
// call CreateLocked instead; Create's own locking would re-enter the same
// non-reentrant lock and deadlock.
func Create(ctx context.Context, store storage.Storage, k storage.Key) (storage.Key, error) {
	switch k.Type {
	case storage.KeyUserToken, storage.KeyUserTotp:
		var created storage.Key
		lockErr := store.ExclusiveLock(ctx, lockKey(k.UserID), lockKey(k.ServiceID), func() error {
			var err error
			created, err = CreateLocked(ctx, store, k)
			return err
		})
		if lockErr != nil {
			return storage.Key{}, lockErr
		}
		return created, nil

	default:
		return CreateLocked(ctx, store, k)
	}
}

// CreateLocked performs the same invariant check, constraint enforcement and
// insert as Create, but never acquires the (user, service) advisory lock
// itself — the caller must already hold it. Create is the entry point for
// every ordinary caller; CreateLocked exists only for flows (such as
// password-reset key rotation) that delete and recreate a key inside a lock
// they already hold.
func CreateLocked(ctx context.Context, store storage.Storage, k storage.Key) (storage.Key, error) {
	if err := checkInvariant(k.Type, k.ServiceID, k.UserID); err != nil {
		return storage.Key{}, err
	}

	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.Value == "" {
		v, err := NewValue(k.Type)
		if err != nil {
			return storage.Key{}, coreerr.Driver
		}
		k.Value = v
	}

	switch k.Type {
	case storage.KeyUserToken, storage.KeyUserTotp:
		existing, err := store.GetKeyByUserAndService(ctx, k.UserID, k.ServiceID, k.Type)
		if err == nil && existing.IsEnabled && !existing.IsRevoked {
			if k.Type == storage.KeyUserToken {
				return storage.Key{}, coreerr.KeyUserTokenConstraint
			}
			return storage.Key{}, coreerr.KeyUserTotpConstraint
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return storage.Key{}, coreerr.Driver
		}
	}

	created, err := store.CreateKey(ctx, k)
	if err != nil {
		return storage.Key{}, coreerr.Driver
	}
	return created, nil
}

func checkInvariant(kind storage.KeyKind, serviceID, userID string) error {
	switch kind {
	case storage.KeyRoot:
		if serviceID != "" || userID != "" {
			return coreerr.BadRequest
		}
	case storage.KeyService:
		if serviceID == "" || userID != "" {
			return coreerr.BadRequest
		}
	case storage.KeyUserKey, storage.KeyUserToken, storage.KeyUserTotp:
		if serviceID == "" || userID == "" {
			return coreerr.BadRequest
		}
	default:
		return coreerr.BadRequest
	}
	return nil
}

// ReadUserValueChecked loads the key matching value that belongs to service,
// has one of the given kinds, and is enabled and not revoked. Used by every
// flow that accepts a user-presented key/token value as a live credential.
func ReadUserValueChecked(ctx context.Context, store storage.Storage, serviceID, value string, kinds ...storage.KeyKind) (storage.Key, error) {
	k, err := ReadUserValueUnchecked(ctx, store, serviceID, value, kinds...)
	if err != nil {
		return storage.Key{}, err
	}
	if !k.IsEnabled || k.IsRevoked {
		return storage.Key{}, coreerr.BadRequest
	}
	return k, nil
}

// ReadUserValueUnchecked is the same lookup but ignores enabled/revoked, so
// a revoke handler can find an already-revoked key and report success
// idempotently instead of erroring.
func ReadUserValueUnchecked(ctx context.Context, store storage.Storage, serviceID, value string, kinds ...storage.KeyKind) (storage.Key, error) {
	k, err := store.GetKeyByValue(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Key{}, coreerr.BadRequest
		}
		return storage.Key{}, coreerr.Driver
	}
	if k.ServiceID != serviceID || !kindMatches(k.Type, kinds) {
		return storage.Key{}, coreerr.BadRequest
	}
	return k, nil
}

func kindMatches(kind storage.KeyKind, kinds []storage.KeyKind) bool {
	for _, want := range kinds {
		if kind == want {
			return true
		}
	}
	return false
}

// Revoke marks a key disabled and revoked. Revoking an already-revoked key
// is a no-op that returns the key unchanged — revoke is terminal, never an
// error on retry.
func Revoke(ctx context.Context, store storage.Storage, k storage.Key) (storage.Key, error) {
	if k.IsRevoked {
		return k, nil
	}
	updated, err := store.UpdateKey(ctx, k.ID, func(old storage.Key) (storage.Key, error) {
		old.IsRevoked = true
		old.IsEnabled = false
		return old, nil
	})
	if err != nil {
		return storage.Key{}, coreerr.Driver
	}
	return updated, nil
}

// lockKey derives the int64 advisory-lock argument from an entity ID by
// hashing it, so the lock is keyed on (hash(user_id), hash(service_id)).
func lockKey(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}
