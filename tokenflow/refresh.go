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

// TokenRefresh consumes refreshToken's bound CSRF record and issues a fresh
// (access, refresh) pair. The old refresh token is single-use: its CSRF
// record is deleted atomically by the driver's read-and-delete Get, so a
// concurrent second caller racing the same token observes
// coreerr.CsrfNotFoundOrUsed.
func (f *Flow) TokenRefresh(ctx context.Context, meta audit.Meta, serviceID, refreshToken string) (TokenPair, error) {
	b := audit.NewBuilder(meta, "AuthTokenRefresh").SetServiceID(serviceID)

	pair, err := f.tokenRefresh(ctx, serviceID, refreshToken, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return TokenPair{}, err
	}
	if err := b.CommitSuccess(ctx, f.Store, 200, pair.UserID, nil); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (f *Flow) tokenRefresh(ctx context.Context, serviceID, refreshToken string, b *audit.Builder) (TokenPair, error) {
	user, key, err := f.loadUserAndTokenKey(ctx, serviceID, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	b.SetUserID(user.ID).SetUserKeyID(key.ID)
	if !key.IsEnabled || key.IsRevoked {
		return TokenPair{}, coreerr.BadRequest
	}

	claims, err := corecrypto.DecodeToken(refreshToken, key.Value, serviceID, corecrypto.ClaimsTypeRefreshToken)
	if err != nil {
		return TokenPair{}, coreerr.BadRequest
	}
	if claims.XCsrf == "" {
		return TokenPair{}, coreerr.BadRequest
	}

	csrf, err := f.Store.GetCsrf(ctx, claims.XCsrf)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TokenPair{}, coreerr.CsrfNotFoundOrUsed
		}
		return TokenPair{}, coreerr.Driver
	}
	if csrf.ServiceID != serviceID {
		return TokenPair{}, coreerr.CsrfServiceMismatch
	}

	return f.mintTokenPair(ctx, serviceID, user.ID, key)
}

// TokenRevoke invalidates the credential behind token: if the underlying key
// is a UserToken, it is deleted outright (not merely disabled), which
// invalidates every access/refresh token ever minted from it since they all
// verify against the same secret. Revoking an already-deleted key is
// reported as success: revoke is terminal and idempotent.
func (f *Flow) TokenRevoke(ctx context.Context, meta audit.Meta, serviceID, token string) error {
	b := audit.NewBuilder(meta, "AuthTokenRevoke").SetServiceID(serviceID)

	userID, err := f.tokenRevoke(ctx, serviceID, token, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}
	return b.CommitSuccess(ctx, f.Store, 200, userID, nil)
}

// tokenRevoke does not reuse loadUserAndTokenKey: a prior revoke of a
// UserToken-backed credential deletes the key outright, so a retry of the
// exact same request must tolerate GetKeyByUserAndService reporting
// ErrNotFound and still report success, rather than surface BadRequest for a
// revoke that already happened.
func (f *Flow) tokenRevoke(ctx context.Context, serviceID, token string, b *audit.Builder) (string, error) {
	if err := validate.Token(token); err != nil {
		return "", coreerr.BadRequest
	}
	unsafe, err := corecrypto.DecodeUnsafe(token, serviceID)
	if err != nil {
		return "", coreerr.BadRequest
	}

	user, err := f.Store.GetUser(ctx, unsafe.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", coreerr.BadRequest
		}
		return "", coreerr.Driver
	}
	b.SetUserID(user.ID)

	key, err := f.Store.GetKeyByUserAndService(ctx, user.ID, serviceID, storage.KeyUserToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.ID, nil
		}
		return "", coreerr.Driver
	}
	b.SetUserKeyID(key.ID)

	if _, err := corecrypto.DecodeToken(token, key.Value, serviceID); err != nil {
		return "", coreerr.BadRequest
	}

	if err := f.Store.DeleteKey(ctx, key.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", coreerr.Driver
	}
	return user.ID, nil
}
