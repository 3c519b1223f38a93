package tokenflow

import (
	"context"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/validate"
)

// KeyVerify checks that value names an enabled, non-revoked UserKey scoped
// to service, returning the key on success. A value of the wrong shape is
// rejected before any store lookup. Unlike the token flows, a UserKey
// carries no expiry of its own — its validity is entirely the
// enabled/revoked state.
func (f *Flow) KeyVerify(ctx context.Context, meta audit.Meta, serviceID, value string) (storage.Key, error) {
	b := audit.NewBuilder(meta, "AuthKeyVerify").SetServiceID(serviceID)

	if err := validate.Key(value); err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return storage.Key{}, err
	}

	key, err := keymod.ReadUserValueChecked(ctx, f.Store, serviceID, value, storage.KeyUserKey)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return storage.Key{}, err
	}
	b.SetUserID(key.UserID).SetUserKeyID(key.ID)
	if err := b.CommitSuccess(ctx, f.Store, 200, key.UserID, nil); err != nil {
		return storage.Key{}, err
	}
	return key, nil
}

// KeyRevoke revokes the user-scoped key named by value. UserKey and
// UserToken kinds are accepted — revoking a UserToken key this way
// invalidates every token minted from it, the same outcome as the token
// revoke flow but addressed by key value instead of token. UserTotp keys
// carry a base32 secret, not the hex value shape this endpoint validates,
// and are managed through the administrative key surface instead. A second
// revoke of the same value is idempotent: ReadUserValueUnchecked still finds
// the (now revoked) key and Revoke is a no-op on an already-revoked key.
func (f *Flow) KeyRevoke(ctx context.Context, meta audit.Meta, serviceID, value string) error {
	b := audit.NewBuilder(meta, "AuthKeyRevoke").SetServiceID(serviceID)

	if err := validate.Key(value); err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}

	key, err := keymod.ReadUserValueUnchecked(ctx, f.Store, serviceID, value,
		storage.KeyUserKey, storage.KeyUserToken)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}
	b.SetUserID(key.UserID).SetUserKeyID(key.ID)

	if _, err := keymod.Revoke(ctx, f.Store, key); err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(coreerr.Driver), coreerr.Driver)
		return err
	}
	return b.CommitSuccess(ctx, f.Store, 200, key.UserID, nil)
}
