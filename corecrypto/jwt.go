package corecrypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimsType tags the purpose of a token so a token minted for one flow can
// never be replayed into another. The numeric values are part of the wire
// contract (encoded into the token) and must never be renumbered.
type ClaimsType int

const (
	ClaimsTypeAccessToken               ClaimsType = 0
	ClaimsTypeRefreshToken              ClaimsType = 1
	ClaimsTypeResetPasswordToken        ClaimsType = 2
	ClaimsTypeUpdateEmailRevokeToken    ClaimsType = 3
	ClaimsTypeUpdatePasswordRevokeToken ClaimsType = 4
)

// MaxTokenLength bounds the size of a token accepted for decoding, guarding
// against a caller accidentally feeding in unrelated oversized input.
const MaxTokenLength = 1000

// Claims is the payload encoded into every token this core issues:
// iss = service ID, sub = user ID, x_type tags the flow, x_csrf is set only
// on refresh tokens and is a key into the CSRF store, not the CSRF value
// itself.
type Claims struct {
	jwt.RegisteredClaims
	XType ClaimsType `json:"x_type"`
	XCsrf string     `json:"x_csrf,omitempty"`
}

// EncodeToken signs a token with no CSRF binding.
func EncodeToken(secret, serviceID, userID string, typ ClaimsType, expiresAt time.Time) (string, error) {
	return encode(secret, serviceID, userID, typ, "", expiresAt)
}

// EncodeTokenCsrf signs a token whose claims carry csrfKey, binding the
// token to a single-use CSRF record created alongside it.
func EncodeTokenCsrf(secret, serviceID, userID string, typ ClaimsType, csrfKey string, expiresAt time.Time) (string, error) {
	return encode(secret, serviceID, userID, typ, csrfKey, expiresAt)
}

func encode(secret, serviceID, userID string, typ ClaimsType, csrfKey string, expiresAt time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    serviceID,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		XType: typ,
		XCsrf: csrfKey,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// DecodeUnsafe reads the claims out of a token without checking its
// signature — it exists only to discover which user's key to load, so the
// caller can then call DecodeToken with that key's secret. It still
// validates that the token names the expected service, since that value
// is not secret and costs nothing to check.
func DecodeUnsafe(tokenStr, expectServiceID string) (Claims, error) {
	if len(tokenStr) > MaxTokenLength {
		return Claims{}, fmt.Errorf("corecrypto: token too long")
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var claims Claims
	if _, _, err := parser.ParseUnverified(tokenStr, &claims); err != nil {
		return Claims{}, fmt.Errorf("corecrypto: parse unsafe: %w", err)
	}
	if claims.Issuer != expectServiceID {
		return Claims{}, errors.New("corecrypto: issuer mismatch")
	}
	return claims, nil
}

// DecodeToken validates signature and standard claims (exp, iss) and
// requires the token's x_type to be one of wantTypes. It is the only path
// that may be trusted to authorize an operation.
func DecodeToken(tokenStr, secret, expectServiceID string, wantTypes ...ClaimsType) (Claims, error) {
	if len(tokenStr) > MaxTokenLength {
		return Claims{}, fmt.Errorf("corecrypto: token too long")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("corecrypto: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(expectServiceID))
	if err != nil {
		return Claims{}, fmt.Errorf("corecrypto: decode token: %w", err)
	}

	ok := len(wantTypes) == 0
	for _, wt := range wantTypes {
		if claims.XType == wt {
			ok = true
			break
		}
	}
	if !ok {
		return Claims{}, errors.New("corecrypto: unexpected token type")
	}
	return claims, nil
}
