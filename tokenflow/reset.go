package tokenflow

import (
	"context"
	"errors"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/corecrypto"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/notifier"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/validate"
)

// PasswordResetRequest issues a reset token and dispatches it by email when
// the account exists and allows reset. An unknown email is reported as
// success with no audit subject, so the caller cannot distinguish "no such
// account" from "email sent". A known account with password_allow_reset=false
// is reported with the distinct UserResetPasswordDisabled error instead —
// that decision only discloses an administrator-configured policy, not
// credential validity, so it doesn't reopen the enumeration the unknown-email
// case guards against.
func (f *Flow) PasswordResetRequest(ctx context.Context, meta audit.Meta, serviceID, email string) error {
	b := audit.NewBuilder(meta, "AuthResetPasswordRequest").SetServiceID(serviceID)

	subject, err := f.passwordResetRequest(ctx, serviceID, email, b)
	if err != nil {
		if errors.Is(err, unknownAccountSilent) {
			return b.CommitSuccess(ctx, f.Store, 200, "", nil)
		}
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}
	return b.CommitSuccess(ctx, f.Store, 200, subject, nil)
}

// unknownAccountSilent marks a lookup failure that must still report success
// to the caller.
var unknownAccountSilent = errors.New("tokenflow: unknown account, reporting success")

func (f *Flow) passwordResetRequest(ctx context.Context, serviceID, email string, b *audit.Builder) (string, error) {
	user, err := f.Store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", unknownAccountSilent
		}
		return "", coreerr.Driver
	}
	b.SetUserID(user.ID)

	if !user.PasswordAllowReset {
		return "", coreerr.UserResetPasswordDisabled
	}

	tokenKey, err := f.Store.GetKeyByUserAndService(ctx, user.ID, serviceID, storage.KeyUserToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", unknownAccountSilent
		}
		return "", coreerr.Driver
	}
	b.SetUserKeyID(tokenKey.ID)

	expAt := f.now().Add(f.ResetTokenExpiry)
	token, err := corecrypto.EncodeToken(tokenKey.Value, serviceID, user.ID, corecrypto.ClaimsTypeResetPasswordToken, expAt)
	if err != nil {
		return "", coreerr.Driver
	}

	svc, err := f.Store.GetService(ctx, serviceID)
	if err != nil {
		return "", coreerr.Driver
	}
	baseURL := svc.ProviderLocalURL
	if baseURL == "" {
		baseURL = svc.URL
	}

	if f.Notifier != nil {
		f.Notifier.Send(ctx, notifier.Message{
			Kind:    notifier.KindResetPassword,
			Service: svc,
			User:    user,
			Token:   token,
			URL:     baseURL + "?type=reset_password&email=" + email + "&token=" + token,
		})
	}
	return user.ID, nil
}

// PasswordResetConfirm safe-decodes a reset token and rotates the user's
// password and user-token key in one step. Rotating the key (rather than
// just the password hash) invalidates every outstanding access/refresh
// token. Replay of the same reset token after a successful confirm is
// refused because the token no longer verifies against the rotated key.
// A new password equal to the current one is refused as BadRequest.
func (f *Flow) PasswordResetConfirm(ctx context.Context, meta audit.Meta, serviceID, token, newPassword string) error {
	b := audit.NewBuilder(meta, "AuthResetPasswordConfirm").SetServiceID(serviceID)

	userID, err := f.passwordResetConfirm(ctx, serviceID, token, newPassword, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}
	return b.CommitSuccess(ctx, f.Store, 200, userID, audit.Diff{Previous: "password", Current: "password"})
}

func (f *Flow) passwordResetConfirm(ctx context.Context, serviceID, token, newPassword string, b *audit.Builder) (string, error) {
	if err := validate.Password(newPassword); err != nil {
		return "", err
	}

	user, key, err := f.loadUserAndTokenKey(ctx, serviceID, token)
	if err != nil {
		return "", err
	}
	b.SetUserID(user.ID).SetUserKeyID(key.ID)

	if _, err := corecrypto.DecodeToken(token, key.Value, serviceID, corecrypto.ClaimsTypeResetPasswordToken); err != nil {
		return "", coreerr.BadRequest
	}

	f.warnIfPwned(ctx, user.ID, newPassword)

	hash, err := corecrypto.HashPassword(newPassword)
	if err != nil {
		return "", coreerr.Driver
	}

	var updateErr error
	lockErr := f.Store.ExclusiveLock(ctx, lockKey(user.ID), lockKey(serviceID), func() error {
		if corecrypto.CheckPassword(user.PasswordHash, newPassword) {
			updateErr = coreerr.BadRequest
			return nil
		}
		if _, err := f.Store.UpdateUserPassword(ctx, user.ID, hash); err != nil {
			updateErr = coreerr.Driver
			return nil
		}
		if err := f.Store.DeleteKey(ctx, key.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			updateErr = coreerr.Driver
			return nil
		}
		if _, err := keymod.CreateLocked(ctx, f.Store, storage.Key{
			Type:      storage.KeyUserToken,
			IsEnabled: true,
			Name:      key.Name,
			ServiceID: serviceID,
			UserID:    user.ID,
		}); err != nil {
			updateErr = coreerr.Driver
			return nil
		}
		return nil
	})
	if lockErr != nil {
		return "", coreerr.Driver
	}
	if updateErr != nil {
		return "", updateErr
	}
	return user.ID, nil
}
