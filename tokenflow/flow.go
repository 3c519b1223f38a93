// Package tokenflow implements the token state machines: local login,
// access/refresh verify/refresh/revoke, password reset and email/password
// update, TOTP verification, and the OAuth2 broker. Every flow follows the
// same skeleton: authenticate as service, load the user via a key, execute
// the flow, append exactly one audit entry.
package tokenflow

import (
	"hash/fnv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssoforge/idcore/notifier"
	"github.com/ssoforge/idcore/storage"
)

// Flow bundles the dependencies and timing configuration every state
// machine in this package needs. It holds no per-request state and is safe
// to share across goroutines.
type Flow struct {
	Store    storage.Storage
	Notifier *notifier.Notifier
	Logger   logrus.FieldLogger

	AccessTokenExpiry   time.Duration
	RefreshTokenExpiry  time.Duration
	ResetTokenExpiry    time.Duration
	RevokeTokenExpiry   time.Duration
	OAuth2StateExpiry   time.Duration

	// PwnedEnabled turns on the best-effort HIBP range query on password
	// changes (the PASSWORD_PWNED switch). Off by default.
	PwnedEnabled bool

	// Now is overridable for tests; defaults to time.Now().UTC() via New.
	Now func() time.Time
}

// Default timing constants. Reset tokens and OAuth2 state both expire after
// 10 minutes; access and refresh lifetimes follow the conventional
// short-access/long-refresh split.
const (
	DefaultAccessTokenExpiry  = 15 * time.Minute
	DefaultRefreshTokenExpiry = 30 * 24 * time.Hour
	DefaultResetTokenExpiry   = 10 * time.Minute
	DefaultRevokeTokenExpiry  = 24 * time.Hour
	DefaultOAuth2StateExpiry  = 10 * time.Minute
)

// New returns a Flow with the default timings. Fields can be overridden
// after construction.
func New(store storage.Storage, notify *notifier.Notifier, logger logrus.FieldLogger) *Flow {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Flow{
		Store:               store,
		Notifier:            notify,
		Logger:              logger,
		AccessTokenExpiry:   DefaultAccessTokenExpiry,
		RefreshTokenExpiry:  DefaultRefreshTokenExpiry,
		ResetTokenExpiry:    DefaultResetTokenExpiry,
		RevokeTokenExpiry:   DefaultRevokeTokenExpiry,
		OAuth2StateExpiry:   DefaultOAuth2StateExpiry,
		Now:                 func() time.Time { return time.Now().UTC() },
	}
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}

// TokenPair is the result of every flow that mints access+refresh tokens
// (login and refresh).
type TokenPair struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	AccessExp    int64
	RefreshExp   int64
}

// lockKey derives the int64 advisory-lock argument from an entity ID by
// hashing it, so the lock is keyed on (hash(user_id), hash(service_id)).
func lockKey(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}
