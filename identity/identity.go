// Package identity implements the administrative operation surface over the
// entity model: service, user and key CRUD+list, plus the audit read/list/
// annotate endpoints. Every operation takes the authn.Actor the dispatcher
// resolved and enforces its scope itself: a root actor administers any
// service, a service actor only its own slice of the world.
//
// State-changing operations record an audit entry carrying a
// {previous, current} diff; reads and lists do not write audit.
package identity

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssoforge/idcore/authn"
	"github.com/ssoforge/idcore/coreerr"
	"github.com/ssoforge/idcore/storage"
)

// Admin bundles the dependencies every administrative operation needs. It
// holds no per-request state and is safe to share across goroutines.
type Admin struct {
	Store  storage.Storage
	Logger logrus.FieldLogger

	// PwnedEnabled turns on the best-effort HIBP range query on user create
	// (the PASSWORD_PWNED switch). Off by default.
	PwnedEnabled bool
}

// New returns an Admin backed by store.
func New(store storage.Storage, logger logrus.FieldLogger) *Admin {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Admin{Store: store, Logger: logger}
}

func nowUTC() time.Time { return time.Now().UTC() }

// canAdminService reports whether actor may administer entities scoped to
// serviceID. Root administers everything; a service administers only itself.
func canAdminService(actor authn.Actor, serviceID string) bool {
	switch actor.Kind {
	case authn.ActorRoot:
		return true
	case authn.ActorService:
		return serviceID != "" && actor.Service.ID == serviceID
	default:
		return false
	}
}

// serviceView is the redaction-safe shape a Service takes inside an audit
// diff. Services carry no secrets, so it is the full entity minus timestamps
// (which the audit entry itself already carries).
type serviceView struct {
	ID                         string `json:"id"`
	IsEnabled                  bool   `json:"is_enabled"`
	Name                       string `json:"name"`
	URL                        string `json:"url"`
	ProviderLocalURL           string `json:"provider_local_url,omitempty"`
	ProviderGithubOAuth2URL    string `json:"provider_github_oauth2_url,omitempty"`
	ProviderMicrosoftOAuth2URL string `json:"provider_microsoft_oauth2_url,omitempty"`
	UserAllowRegister          bool   `json:"user_allow_register"`
	UserEmailText              string `json:"user_email_text,omitempty"`
}

func viewService(s storage.Service) serviceView {
	return serviceView{
		ID:                         s.ID,
		IsEnabled:                  s.IsEnabled,
		Name:                       s.Name,
		URL:                        s.URL,
		ProviderLocalURL:           s.ProviderLocalURL,
		ProviderGithubOAuth2URL:    s.ProviderGithubOAuth2URL,
		ProviderMicrosoftOAuth2URL: s.ProviderMicrosoftOAuth2URL,
		UserAllowRegister:          s.UserAllowRegister,
		UserEmailText:              s.UserEmailText,
	}
}

// userView is the redaction-safe shape a User takes inside an audit diff:
// the password hash never enters the audit log, only whether one is set.
type userView struct {
	ID                    string `json:"id"`
	IsEnabled             bool   `json:"is_enabled"`
	Name                  string `json:"name"`
	Email                 string `json:"email"`
	Locale                string `json:"locale,omitempty"`
	Timezone              string `json:"timezone,omitempty"`
	HasPassword           bool   `json:"has_password"`
	PasswordAllowReset    bool   `json:"password_allow_reset"`
	PasswordRequireUpdate bool   `json:"password_require_update"`
}

func viewUser(u storage.User) userView {
	return userView{
		ID:                    u.ID,
		IsEnabled:             u.IsEnabled,
		Name:                  u.Name,
		Email:                 u.Email,
		Locale:                u.Locale,
		Timezone:              u.Timezone,
		HasPassword:           u.HasPassword(),
		PasswordAllowReset:    u.PasswordAllowReset,
		PasswordRequireUpdate: u.PasswordRequireUpdate,
	}
}

// keyView is the redaction-safe shape a Key takes inside an audit diff: the
// bearer value never enters the audit log.
type keyView struct {
	ID        string          `json:"id"`
	IsEnabled bool            `json:"is_enabled"`
	IsRevoked bool            `json:"is_revoked"`
	Type      storage.KeyKind `json:"type"`
	Name      string          `json:"name"`
	ServiceID string          `json:"service_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

func viewKey(k storage.Key) keyView {
	return keyView{
		ID:        k.ID,
		IsEnabled: k.IsEnabled,
		IsRevoked: k.IsRevoked,
		Type:      k.Type,
		Name:      k.Name,
		ServiceID: k.ServiceID,
		UserID:    k.UserID,
	}
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
