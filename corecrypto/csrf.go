package corecrypto

import (
	"crypto/rand"
	"encoding/base32"
)

// CsrfKeyBytes is the amount of entropy packed into a CSRF key before
// base32 encoding; 11 bytes yields an 18-character key, comfortably under
// the 1-22 char column budget the storage schema allots. Exported so input
// validation can derive the key's length bound from the same constant.
const CsrfKeyBytes = 11

// NewCsrfKey returns a fresh, unpredictable CSRF key suitable for use as a
// storage.Csrf primary key.
func NewCsrfKey() (string, error) {
	buf := make([]byte, CsrfKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
