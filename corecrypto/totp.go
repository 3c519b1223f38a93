package corecrypto

import (
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// NewTotpSecret provisions a fresh TOTP secret for a user using the standard
// 30-second, 6-digit defaults.
func NewTotpSecret(issuer, accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
}

// VerifyTotp validates a 6-digit code against secret, allowing the code from
// one 30-second step before or after the current one to absorb clock skew
// between the user's authenticator and this server.
func VerifyTotp(secret, code string) bool {
	valid, _ := totp.ValidateCustom(code, secret, nowUTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return valid
}
