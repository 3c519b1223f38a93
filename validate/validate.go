// Package validate applies uniform length and character-class checks before
// any business logic runs. Every check collapses to a single redacted
// coreerr.ValidationFailed; the caller records which field and why in audit
// data, never in the response.
package validate

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"

	"github.com/ssoforge/idcore/coreerr"
)

var v = validator.New()

const (
	passwordMin = 8
	passwordMax = 128
	nameMin     = 1
	nameMax     = 100
	tokenMin    = 1
	tokenMax    = 1000
	keyHexLen   = 32
	totpMin     = 1
	totpMax     = 10
)

var totpDigits = regexp.MustCompile(`^[0-9]+$`)

// Field names a single failed check, recorded only in audit data.
type Field struct {
	Name   string
	Reason string
}

func fail(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", coreerr.ValidationFailed, field, reason)
}

// Password checks the 8-128 char length bound. Character-class strength is
// deliberately not enforced; only a length bound is required.
func Password(s string) error {
	if len(s) < passwordMin || len(s) > passwordMax {
		return fail("password", "length")
	}
	return nil
}

// Name checks the 1-100 char bound shared by service and user display names.
func Name(s string) error {
	if len(s) < nameMin || len(s) > nameMax {
		return fail("name", "length")
	}
	return nil
}

// Email validates an RFC-5322 subset via the struct-tag validator the wider
// pack standardizes on.
func Email(s string) error {
	if err := v.Var(s, "required,email"); err != nil {
		return fail("email", "format")
	}
	return nil
}

// URL checks that s is an absolute URL with a scheme, the shape required of
// a service's canonical and callback URLs. Any scheme is accepted, not only
// http(s).
func URL(s string) error {
	if err := v.Var(s, "required,url"); err != nil {
		return fail("url", "format")
	}
	return nil
}

// Token checks the 1-1000 char bound that also gates corecrypto.MaxTokenLength.
func Token(s string) error {
	if len(s) < tokenMin || len(s) > tokenMax {
		return fail("token", "length")
	}
	return nil
}

// Key checks that s is exactly 32 hex characters — the bearer-value shape
// keymod.NewValue produces.
func Key(s string) error {
	if len(s) != keyHexLen {
		return fail("key", "length")
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fail("key", "format")
	}
	return nil
}

// CsrfKey checks the 1-(2*keyByteBits) bound for a base32-encoded CSRF key.
func CsrfKey(s string, keyBytes int) error {
	max := 2 * keyBytes
	if len(s) < 1 || len(s) > max {
		return fail("csrf_key", "length")
	}
	return nil
}

// Locale parses s as a BCP-47 language tag.
func Locale(s string) error {
	if _, err := language.Parse(s); err != nil {
		return fail("locale", "format")
	}
	return nil
}

// Timezone parses s as an IANA timezone name.
func Timezone(s string) error {
	if _, err := time.LoadLocation(s); err != nil {
		return fail("timezone", "format")
	}
	return nil
}

// Totp checks the 1-10 digit bound for a submitted TOTP code.
func Totp(s string) error {
	if len(s) < totpMin || len(s) > totpMax || !totpDigits.MatchString(s) {
		return fail("totp", "format")
	}
	return nil
}

// pwnedRangeURL is the HIBP k-anonymity range endpoint: the caller sends
// only the first 5 hex chars of the SHA-1 hash and scans the response for
// the remaining 35.
const pwnedRangeURL = "https://api.pwnedpasswords.com/range/"

// pwnedTimeout bounds the external call so a slow or unreachable HIBP never
// blocks the user-create path; a failure or timeout degrades to "unknown",
// never an error the caller must handle.
const pwnedTimeout = 10 * time.Second

// CheckPwned reports whether password appears in the HIBP breach corpus.
// found is always false when the call could not complete — callers must
// never treat a non-nil err as a reason to block account creation or a
// password change; this function returning a non-nil error is informational
// only (for logging). Wired as a best-effort, non-blocking check from every
// path that sets a user's password — identity's UserCreate and tokenflow's
// PasswordUpdate and PasswordResetConfirm — each behind its owner's
// PwnedEnabled switch. OAuth2 auto-registration never sets a password hash
// and so never calls this.
func CheckPwned(ctx context.Context, password string) (found bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, pwnedTimeout)
	defer cancel()

	sum := sha1.Sum([]byte(password))
	sha1HexUpper := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := sha1HexUpper[:5], sha1HexUpper[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pwnedRangeURL+prefix, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("validate: pwned range query: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if hashSuffix, _, ok := strings.Cut(line, ":"); ok && strings.EqualFold(hashSuffix, suffix) {
			return true, nil
		}
	}
	return false, scanner.Err()
}
