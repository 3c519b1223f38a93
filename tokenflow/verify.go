package tokenflow

import (
	"context"
	"errors"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/validate"
)

// VerifiedToken is the result of TokenVerify: the identified user plus the
// access token's expiry, echoed back to the caller.
type VerifiedToken struct {
	User      storage.User
	ExpiresAt int64
}

// loadUserAndTokenKey runs the "unsafe-decode, load user, load key" prelude
// shared by verify/refresh/revoke: decode tokenStr without checking its
// signature just far enough to learn the user, then load that user's
// service-scoped UserToken key so the caller can safe-decode with the right
// secret.
func (f *Flow) loadUserAndTokenKey(ctx context.Context, serviceID, tokenStr string) (storage.User, storage.Key, error) {
	if err := validate.Token(tokenStr); err != nil {
		return storage.User{}, storage.Key{}, coreerr.BadRequest
	}
	unsafe, err := corecrypto.DecodeUnsafe(tokenStr, serviceID)
	if err != nil {
		return storage.User{}, storage.Key{}, coreerr.BadRequest
	}

	user, err := f.Store.GetUser(ctx, unsafe.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, storage.Key{}, coreerr.BadRequest
		}
		return storage.User{}, storage.Key{}, coreerr.Driver
	}
	if !user.IsEnabled {
		return storage.User{}, storage.Key{}, coreerr.BadRequest
	}

	tokenKey, err := f.Store.GetKeyByUserAndService(ctx, user.ID, serviceID, storage.KeyUserToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, storage.Key{}, coreerr.BadRequest
		}
		return storage.User{}, storage.Key{}, coreerr.Driver
	}
	return user, tokenKey, nil
}

// TokenVerify resolves an access token to its user. The key need not still
// be enabled for the unsafe-decode prelude, but DecodeToken's signature
// check means a revoked/rotated key's old tokens never pass.
func (f *Flow) TokenVerify(ctx context.Context, meta audit.Meta, serviceID, accessToken string) (VerifiedToken, error) {
	b := audit.NewBuilder(meta, "AuthTokenVerify").SetServiceID(serviceID)

	out, err := f.tokenVerify(ctx, serviceID, accessToken, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return VerifiedToken{}, err
	}
	if err := b.CommitSuccess(ctx, f.Store, 200, out.User.ID, nil); err != nil {
		return VerifiedToken{}, err
	}
	return out, nil
}

func (f *Flow) tokenVerify(ctx context.Context, serviceID, accessToken string, b *audit.Builder) (VerifiedToken, error) {
	user, key, err := f.loadUserAndTokenKey(ctx, serviceID, accessToken)
	if err != nil {
		return VerifiedToken{}, err
	}
	b.SetUserID(user.ID).SetUserKeyID(key.ID)
	if !key.IsEnabled || key.IsRevoked {
		return VerifiedToken{}, coreerr.BadRequest
	}

	claims, err := corecrypto.DecodeToken(accessToken, key.Value, serviceID, corecrypto.ClaimsTypeAccessToken)
	if err != nil {
		return VerifiedToken{}, coreerr.BadRequest
	}
	return VerifiedToken{User: user, ExpiresAt: claims.ExpiresAt.Unix()}, nil
}
