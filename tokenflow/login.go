package tokenflow

import (
	"context"
	"errors"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

// mintTokenPair creates a fresh CSRF record scoped to service and issues a
// bound (access, refresh) pair signed with tokenKey.Value. It is shared by
// LocalLogin and TokenRefresh.
func (f *Flow) mintTokenPair(ctx context.Context, serviceID, userID string, tokenKey storage.Key) (TokenPair, error) {
	csrfKey, err := corecrypto.NewCsrfKey()
	if err != nil {
		return TokenPair{}, coreerr.Driver
	}
	now := f.now()
	refreshExpAt := now.Add(f.RefreshTokenExpiry)

	if _, err := f.Store.CreateCsrf(ctx, storage.Csrf{
		Key:       csrfKey,
		Value:     userID,
		TTL:       refreshExpAt,
		ServiceID: serviceID,
		CreatedAt: now,
	}); err != nil {
		return TokenPair{}, coreerr.Driver
	}

	accessExpAt := now.Add(f.AccessTokenExpiry)
	access, err := corecrypto.EncodeToken(tokenKey.Value, serviceID, userID, corecrypto.ClaimsTypeAccessToken, accessExpAt)
	if err != nil {
		return TokenPair{}, coreerr.Driver
	}
	refresh, err := corecrypto.EncodeTokenCsrf(tokenKey.Value, serviceID, userID, corecrypto.ClaimsTypeRefreshToken, csrfKey, refreshExpAt)
	if err != nil {
		return TokenPair{}, coreerr.Driver
	}

	return TokenPair{
		UserID:       userID,
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExp:    accessExpAt.Unix(),
		RefreshExp:   refreshExpAt.Unix(),
	}, nil
}

// LocalLogin authenticates email+password against service and, on success,
// issues a fresh token pair. Every failure path — unknown email, wrong
// password, missing user-token key, password-update-required — collapses to
// coreerr.BadRequest so the caller cannot distinguish "no such account" from
// "wrong password" and so avoid account enumeration; the specific cause is
// still recorded in the audit entry via coreerr.Tag.
func (f *Flow) LocalLogin(ctx context.Context, meta audit.Meta, serviceID, email, password string) (TokenPair, error) {
	b := audit.NewBuilder(meta, "AuthLocalLogin").SetServiceID(serviceID)

	pair, err := f.localLogin(ctx, serviceID, email, password, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return TokenPair{}, err
	}
	if err := b.CommitSuccess(ctx, f.Store, 200, pair.UserID, nil); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (f *Flow) localLogin(ctx context.Context, serviceID, email, password string, b *audit.Builder) (TokenPair, error) {
	user, err := f.Store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TokenPair{}, coreerr.BadRequest
		}
		return TokenPair{}, coreerr.Driver
	}
	b.SetUserID(user.ID)

	if !user.IsEnabled || !corecrypto.CheckPassword(user.PasswordHash, password) {
		return TokenPair{}, coreerr.BadRequest
	}
	if user.PasswordRequireUpdate {
		return TokenPair{}, coreerr.UserPasswordUpdateRequired
	}

	tokenKey, err := f.Store.GetKeyByUserAndService(ctx, user.ID, serviceID, storage.KeyUserToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TokenPair{}, coreerr.BadRequest
		}
		return TokenPair{}, coreerr.Driver
	}
	b.SetUserKeyID(tokenKey.ID)
	if !tokenKey.IsEnabled || tokenKey.IsRevoked {
		return TokenPair{}, coreerr.BadRequest
	}

	return f.mintTokenPair(ctx, serviceID, user.ID, tokenKey)
}

// statusFor maps a coreerr taxonomy value to the HTTP-style status code
// recorded on the audit entry.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coreerr.Driver):
		return 500
	case errors.Is(err, coreerr.Unauthorised):
		return 401
	case errors.Is(err, coreerr.Forbidden):
		return 403
	case errors.Is(err, coreerr.NotFound):
		return 404
	default:
		return 400
	}
}
