package tokenflow

import (
	"context"
	"errors"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/notifier"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/validate"
)

// warnIfPwned logs (but never blocks on or errors from) a best-effort HIBP
// check, per spec §9: a timeout or network failure degrades to "unknown" and
// must never affect the password change it's attached to.
func (f *Flow) warnIfPwned(ctx context.Context, userID, password string) {
	if !f.PwnedEnabled {
		return
	}
	pwned, err := validate.CheckPwned(ctx, password)
	if err != nil {
		f.Logger.WithError(err).Debug("tokenflow: pwned-password check unavailable")
		return
	}
	if pwned {
		f.Logger.WithField("user_id", userID).Warn("tokenflow: password matches a known breach corpus entry")
	}
}

// issueRevokeToken mints a revoke token of typ bound to a CSRF record whose
// value is the field being replaced (the old email, or a marker for the old
// password hash). The CSRF key doubles as the x_csrf claim exactly as it
// does for refresh tokens; EmailUpdateRevoke/PasswordUpdateRevoke look the
// value back up by that key to know what to restore.
func (f *Flow) issueRevokeToken(ctx context.Context, serviceID, userID, secret string, typ corecrypto.ClaimsType, oldValue string) (string, error) {
	csrfKey, err := corecrypto.NewCsrfKey()
	if err != nil {
		return "", coreerr.Driver
	}
	expAt := f.now().Add(f.RevokeTokenExpiry)
	if _, err := f.Store.CreateCsrf(ctx, storage.Csrf{
		Key:       csrfKey,
		Value:     oldValue,
		TTL:       expAt,
		ServiceID: serviceID,
		CreatedAt: f.now(),
	}); err != nil {
		return "", coreerr.Driver
	}
	return corecrypto.EncodeTokenCsrf(secret, serviceID, userID, typ, csrfKey, expAt)
}

// EmailUpdate changes a user's email immediately and emails a revoke link to
// the old address, valid for RevokeTokenExpiry.
func (f *Flow) EmailUpdate(ctx context.Context, meta audit.Meta, serviceID, userID, newEmail string) error {
	b := audit.NewBuilder(meta, "AuthUpdateEmail").SetServiceID(serviceID).SetUserID(userID)

	err := f.emailUpdate(ctx, serviceID, userID, newEmail, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}
	return nil
}

func (f *Flow) emailUpdate(ctx context.Context, serviceID, userID, newEmail string, b *audit.Builder) error {
	if err := validate.Email(newEmail); err != nil {
		return err
	}

	user, err := f.Store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return coreerr.BadRequest
		}
		return coreerr.Driver
	}
	oldEmail := user.Email

	tokenKey, err := f.Store.GetKeyByUserAndService(ctx, userID, serviceID, storage.KeyUserToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return coreerr.BadRequest
		}
		return coreerr.Driver
	}
	b.SetUserKeyID(tokenKey.ID)

	revokeToken, err := f.issueRevokeToken(ctx, serviceID, userID, tokenKey.Value, corecrypto.ClaimsTypeUpdateEmailRevokeToken, oldEmail)
	if err != nil {
		return err
	}

	updated, err := f.Store.UpdateUser(ctx, userID, func(old storage.User) (storage.User, error) {
		old.Email = newEmail
		return old, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrConstraint) {
			return coreerr.BadRequest
		}
		return coreerr.Driver
	}

	svc, _ := f.Store.GetService(ctx, serviceID)
	if f.Notifier != nil {
		f.Notifier.Send(ctx, notifier.Message{
			Kind:     notifier.KindUpdateEmail,
			Service:  svc,
			User:     updated,
			OldEmail: oldEmail,
			Token:    revokeToken,
			URL:      svc.URL + "?type=update_email_revoke&token=" + revokeToken,
		})
	}

	return b.CommitSuccess(ctx, f.Store, 200, userID, audit.Diff{
		Previous: map[string]string{"email": oldEmail},
		Current:  map[string]string{"email": newEmail},
	})
}

// EmailUpdateRevoke undoes an email change if presented within the revoke
// token's TTL. A second presentation of the same token fails with
// CsrfNotFoundOrUsed since the CSRF record backing it was consumed.
func (f *Flow) EmailUpdateRevoke(ctx context.Context, meta audit.Meta, serviceID, token string) error {
	b := audit.NewBuilder(meta, "AuthUpdateEmailRevoke").SetServiceID(serviceID)

	userID, err := f.revokeUpdate(ctx, serviceID, token, corecrypto.ClaimsTypeUpdateEmailRevokeToken, func(user storage.User, oldValue string) (storage.User, audit.Diff, error) {
		diff := audit.Diff{Previous: map[string]string{"email": user.Email}, Current: map[string]string{"email": oldValue}}
		user.Email = oldValue
		return user, diff, nil
	}, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}
	_ = userID
	return nil
}

// PasswordUpdate changes a user's password immediately (under the (user,
// service) advisory lock, serialising against a concurrent reset/update) and
// emails a revoke link to the account's current address.
func (f *Flow) PasswordUpdate(ctx context.Context, meta audit.Meta, serviceID, userID, newPassword string) error {
	b := audit.NewBuilder(meta, "AuthUpdatePassword").SetServiceID(serviceID).SetUserID(userID)

	err := f.passwordUpdate(ctx, serviceID, userID, newPassword, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}
	return nil
}

func (f *Flow) passwordUpdate(ctx context.Context, serviceID, userID, newPassword string, b *audit.Builder) error {
	if err := validate.Password(newPassword); err != nil {
		return err
	}

	user, err := f.Store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return coreerr.BadRequest
		}
		return coreerr.Driver
	}

	tokenKey, err := f.Store.GetKeyByUserAndService(ctx, userID, serviceID, storage.KeyUserToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return coreerr.BadRequest
		}
		return coreerr.Driver
	}
	b.SetUserKeyID(tokenKey.ID)

	f.warnIfPwned(ctx, userID, newPassword)

	revokeToken, err := f.issueRevokeToken(ctx, serviceID, userID, tokenKey.Value, corecrypto.ClaimsTypeUpdatePasswordRevokeToken, user.PasswordHash)
	if err != nil {
		return err
	}

	hash, err := corecrypto.HashPassword(newPassword)
	if err != nil {
		return coreerr.Driver
	}

	var lockErr error
	err = f.Store.ExclusiveLock(ctx, lockKey(userID), lockKey(serviceID), func() error {
		_, lockErr = f.Store.UpdateUserPassword(ctx, userID, hash)
		return lockErr
	})
	if err != nil || lockErr != nil {
		return coreerr.Driver
	}

	svc, _ := f.Store.GetService(ctx, serviceID)
	if f.Notifier != nil {
		f.Notifier.Send(ctx, notifier.Message{
			Kind:    notifier.KindUpdatePassword,
			Service: svc,
			User:    user,
			Token:   revokeToken,
			URL:     svc.URL + "?type=update_password_revoke&token=" + revokeToken,
		})
	}

	return b.CommitSuccess(ctx, f.Store, 200, userID, audit.Diff{Previous: "password", Current: "password"})
}

// PasswordUpdateRevoke restores a user's previous password hash if presented
// within the revoke token's TTL.
func (f *Flow) PasswordUpdateRevoke(ctx context.Context, meta audit.Meta, serviceID, token string) error {
	b := audit.NewBuilder(meta, "AuthUpdatePasswordRevoke").SetServiceID(serviceID)

	_, err := f.revokeUpdate(ctx, serviceID, token, corecrypto.ClaimsTypeUpdatePasswordRevokeToken, func(user storage.User, oldValue string) (storage.User, audit.Diff, error) {
		diff := audit.Diff{Previous: "password", Current: "password"}
		user.PasswordHash = oldValue
		return user, diff, nil
	}, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}
	return nil
}

// revokeUpdate is the shared skeleton for EmailUpdateRevoke/PasswordUpdateRevoke:
// decode the revoke token, read-and-delete its CSRF-bound old value, apply
// mutate to compute the reverted user and diff, persist, and audit.
func (f *Flow) revokeUpdate(
	ctx context.Context,
	serviceID, token string,
	typ corecrypto.ClaimsType,
	mutate func(user storage.User, oldValue string) (storage.User, audit.Diff, error),
	b *audit.Builder,
) (string, error) {
	user, key, err := f.loadUserAndTokenKey(ctx, serviceID, token)
	if err != nil {
		return "", err
	}
	b.SetUserID(user.ID).SetUserKeyID(key.ID)

	claims, err := corecrypto.DecodeToken(token, key.Value, serviceID, typ)
	if err != nil {
		return "", coreerr.BadRequest
	}
	if claims.XCsrf == "" {
		return "", coreerr.BadRequest
	}

	csrf, err := f.Store.GetCsrf(ctx, claims.XCsrf)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", coreerr.CsrfNotFoundOrUsed
		}
		return "", coreerr.Driver
	}
	if csrf.ServiceID != serviceID {
		return "", coreerr.CsrfServiceMismatch
	}

	reverted, diff, err := mutate(user, csrf.Value)
	if err != nil {
		return "", err
	}

	if _, err := f.Store.UpdateUser(ctx, user.ID, func(old storage.User) (storage.User, error) {
		old.Email = reverted.Email
		old.PasswordHash = reverted.PasswordHash
		return old, nil
	}); err != nil {
		return "", coreerr.Driver
	}

	if err := b.CommitSuccess(ctx, f.Store, 200, user.ID, diff); err != nil {
		return "", err
	}
	return user.ID, nil
}
