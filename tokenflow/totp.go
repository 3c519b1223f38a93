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

// TotpVerify checks code against the user's UserTotp key for service. It
// does not delete or rotate anything on success, so a code may legitimately
// verify more than once within its validity window.
func (f *Flow) TotpVerify(ctx context.Context, meta audit.Meta, serviceID, userID, code string) error {
	b := audit.NewBuilder(meta, "AuthTotpVerify").SetServiceID(serviceID).SetUserID(userID)

	err := f.totpVerify(ctx, serviceID, userID, code, b)
	if err != nil {
		b.CommitError(ctx, f.Store, f.Logger, statusFor(err), err)
		return err
	}
	return b.CommitSuccess(ctx, f.Store, 200, userID, nil)
}

func (f *Flow) totpVerify(ctx context.Context, serviceID, userID, code string, b *audit.Builder) error {
	if err := validate.Totp(code); err != nil {
		return coreerr.TotpInvalid
	}

	key, err := f.Store.GetKeyByUserAndService(ctx, userID, serviceID, storage.KeyUserTotp)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return coreerr.TotpInvalid
		}
		return coreerr.Driver
	}
	b.SetUserKeyID(key.ID)
	if !key.IsEnabled || key.IsRevoked {
		return coreerr.TotpInvalid
	}

	if !corecrypto.VerifyTotp(key.Value, code) {
		return coreerr.TotpInvalid
	}
	return nil
}
