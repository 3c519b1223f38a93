// Package storage defines the persistence boundary consumed by every core
// package: services, users, keys, CSRF records and audit entries, plus the
// advisory lock used to serialise mutations on a (user, service) pair.
//
// Implementations are required to be able to perform atomic compare-and-swap
// updates and to standardize on UTC. The package mirrors the shape of
// github.com/dexidp/dex's storage.Storage interface: typed sentinel errors
// instead of raw SQL errors, and updater-closure Update methods instead of
// read-modify-write races.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors. Core logic never sees a raw SQL or network error from a
// driver; every failure is mapped to one of these.
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
	ErrLocked        = errors.New("storage: locked")
	ErrConstraint    = errors.New("storage: constraint violation")
	ErrUnavailable   = errors.New("storage: unavailable")
)

// NewID returns a fresh UUID v4 string, the ID format used for every entity
// except keys and CSRF records (which use their own opaque random
// encodings). Callers assign the ID before calling Create*, the same
// compare-and-swap-friendly pattern package keymod uses for keys.
func NewID() string {
	return uuid.NewString()
}

// KeyKind enumerates the five bearer-credential kinds. The value is stored
// verbatim alongside the legacy nullable ServiceID/UserID columns so drivers
// written before the tagged-enum existed can still enforce uniqueness with a
// plain index.
type KeyKind string

const (
	KeyRoot      KeyKind = "root"
	KeyService   KeyKind = "service"
	KeyUserKey   KeyKind = "user_key"
	KeyUserToken KeyKind = "user_token"
	KeyUserTotp  KeyKind = "user_totp"
)

// Service is a registered relying party.
type Service struct {
	ID                         string
	IsEnabled                  bool
	Name                       string
	URL                        string
	ProviderLocalURL           string
	ProviderGithubOAuth2URL    string
	ProviderMicrosoftOAuth2URL string
	UserAllowRegister          bool
	UserEmailText              string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// User is an identified principal, not intrinsically bound to any service.
type User struct {
	ID                    string
	IsEnabled             bool
	Name                  string
	Email                 string
	Locale                string
	Timezone              string
	PasswordHash          string
	PasswordAllowReset    bool
	PasswordRequireUpdate bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasPassword reports whether the user has ever set a local password.
func (u User) HasPassword() bool { return u.PasswordHash != "" }

// Key is a bearer credential. See the invariants documented on KeyKind and
// enforced by package keymod.
type Key struct {
	ID        string
	IsEnabled bool
	IsRevoked bool
	Type      KeyKind
	Name      string
	Value     string
	ServiceID string // empty for Root
	UserID    string // empty for Root and Service
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Csrf is a single-use, TTL-bounded key/value pair scoped to a service.
type Csrf struct {
	Key       string
	Value     string
	TTL       time.Time
	ServiceID string
	CreatedAt time.Time
}

// AuditEntry is an immutable record of a security-relevant operation.
type AuditEntry struct {
	ID         string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	UserAgent  string
	RemoteAddr string
	Forwarded  string
	StatusCode int
	Type       string
	Subject    string
	Data       []byte // JSON; may contain "diff" or "error"
	KeyID      string
	ServiceID  string
	UserID     string
	UserKeyID  string
}

// AuditCount is one row of the metrics accumulator's source query.
type AuditCount struct {
	Type   string
	Status int
	Count  int64
}

// ListOptions is the keyset pagination contract: never offset-based.
// At most one of IDGt/IDLt may be set alongside Limit.
type ListOptions struct {
	Limit int
	IDGt  string
	IDLt  string
}

// ServiceUpdater mutates a Service fetched under the driver's control.
// Updaters should only modify existing fields on old rather than returning a
// freshly constructed value, so a driver can safely retry on conflict.
type ServiceUpdater func(old Service) (Service, error)

type UserUpdater func(old User) (User, error)

type KeyUpdater func(old Key) (Key, error)

type AuditUpdater func(old AuditEntry) (AuditEntry, error)

// AuditQuery filters the audit list, keyset-paginated over created_at DESC, id.
type AuditQuery struct {
	Types     []string
	Subjects  []string
	ServiceID string
	UserID    string
	ListOptions
}

// Storage is the persistence interface used by every core package.
// Implementations must be safe to share across goroutines.
type Storage interface {
	io.Closer

	// Services
	CreateService(ctx context.Context, s Service) (Service, error)
	GetService(ctx context.Context, id string) (Service, error)
	UpdateService(ctx context.Context, id string, fn ServiceUpdater) (Service, error)
	DeleteService(ctx context.Context, id string) error
	ListServices(ctx context.Context, opts ListOptions) ([]Service, error)

	// Keys. GetKeyByUserAndService returns the active (enabled, non-revoked)
	// key of the kind; revoked keys of the same kind may coexist with their
	// active replacement and are never returned by it.
	CreateKey(ctx context.Context, k Key) (Key, error)
	GetKey(ctx context.Context, id string) (Key, error)
	GetKeyByValue(ctx context.Context, value string) (Key, error)
	GetKeyByUserAndService(ctx context.Context, userID, serviceID string, kind KeyKind) (Key, error)
	UpdateKey(ctx context.Context, id string, fn KeyUpdater) (Key, error)
	DeleteKey(ctx context.Context, id string) error
	ListKeys(ctx context.Context, serviceID string, opts ListOptions) ([]Key, error)

	// Users
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUser(ctx context.Context, id string, fn UserUpdater) (User, error)
	UpdateUserPassword(ctx context.Context, id string, passwordHash string) (User, error)
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context, opts ListOptions) ([]User, error)

	// CSRF: Get is read-and-delete, atomically, and sweeps expired rows.
	CreateCsrf(ctx context.Context, c Csrf) (Csrf, error)
	GetCsrf(ctx context.Context, key string) (Csrf, error)
	DeleteExpiredCsrf(ctx context.Context, now time.Time) (int64, error)

	// Audit
	CreateAudit(ctx context.Context, a AuditEntry) (AuditEntry, error)
	GetAudit(ctx context.Context, id string) (AuditEntry, error)
	UpdateAudit(ctx context.Context, id string, fn AuditUpdater) (AuditEntry, error)
	ListAudit(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
	DeleteAuditOlderThan(ctx context.Context, t time.Time) (int64, error)
	ReadAuditMetrics(ctx context.Context, from time.Time, serviceID string) ([]AuditCount, error)

	// ExclusiveLock runs fn inside a session-level exclusive lock keyed on two
	// integers (typically hash(userID), hash(serviceID)), serialising any
	// other caller taking the same lock for the duration of fn.
	ExclusiveLock(ctx context.Context, k1, k2 int64, fn func() error) error
}
