// Package memory provides an in-memory implementation of storage.Storage.
// It is the reference driver used by the core's own tests and is suitable
// for single-node, non-durable deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssoforge/idcore/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns an in-memory Storage. logger may be nil.
func New(logger logrus.FieldLogger) storage.Storage {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &memStorage{
		services: make(map[string]storage.Service),
		users:    make(map[string]storage.User),
		keys:     make(map[string]storage.Key),
		csrf:     make(map[string]storage.Csrf),
		audit:    make(map[string]storage.AuditEntry),
		locks:    make(map[[2]int64]*sync.Mutex),
		logger:   logger,
	}
}

type memStorage struct {
	mu sync.RWMutex

	services map[string]storage.Service
	users    map[string]storage.User
	keys     map[string]storage.Key
	csrf     map[string]storage.Csrf
	audit    map[string]storage.AuditEntry

	lockMu sync.Mutex
	locks  map[[2]int64]*sync.Mutex

	logger logrus.FieldLogger
}

func (s *memStorage) Close() error { return nil }

// -- Services --------------------------------------------------------------

func (s *memStorage) CreateService(_ context.Context, svc storage.Service) (storage.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[svc.ID]; ok {
		return storage.Service{}, storage.ErrAlreadyExists
	}
	s.services[svc.ID] = svc
	return svc, nil
}

func (s *memStorage) GetService(_ context.Context, id string) (storage.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return storage.Service{}, storage.ErrNotFound
	}
	return svc, nil
}

func (s *memStorage) UpdateService(_ context.Context, id string, fn storage.ServiceUpdater) (storage.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.services[id]
	if !ok {
		return storage.Service{}, storage.ErrNotFound
	}
	updated, err := fn(old)
	if err != nil {
		return storage.Service{}, err
	}
	updated.ID = id
	s.services[id] = updated
	return updated, nil
}

func (s *memStorage) DeleteService(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		return storage.ErrNotFound
	}
	for _, k := range s.keys {
		if k.ServiceID == id {
			return storage.ErrConstraint
		}
	}
	delete(s.services, id)
	return nil
}

func (s *memStorage) ListServices(_ context.Context, opts storage.ListOptions) ([]storage.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return applyKeyset(out, opts, func(v storage.Service) string { return v.ID }), nil
}

// -- Keys --------------------------------------------------------------

func (s *memStorage) CreateKey(_ context.Context, k storage.Key) (storage.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return storage.Key{}, storage.ErrAlreadyExists
	}
	s.keys[k.ID] = k
	return k, nil
}

func (s *memStorage) GetKey(_ context.Context, id string) (storage.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return storage.Key{}, storage.ErrNotFound
	}
	return k, nil
}

func (s *memStorage) GetKeyByValue(_ context.Context, value string) (storage.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Value == value {
			return k, nil
		}
	}
	return storage.Key{}, storage.ErrNotFound
}

// GetKeyByUserAndService returns only the active (enabled, non-revoked) key
// of the kind, matching the SQL driver's filter: a revoked key of the same
// kind may coexist with its active replacement and must never shadow it.
func (s *memStorage) GetKeyByUserAndService(_ context.Context, userID, serviceID string, kind storage.KeyKind) (storage.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.UserID == userID && k.ServiceID == serviceID && k.Type == kind && k.IsEnabled && !k.IsRevoked {
			return k, nil
		}
	}
	return storage.Key{}, storage.ErrNotFound
}

func (s *memStorage) UpdateKey(_ context.Context, id string, fn storage.KeyUpdater) (storage.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.keys[id]
	if !ok {
		return storage.Key{}, storage.ErrNotFound
	}
	updated, err := fn(old)
	if err != nil {
		return storage.Key{}, err
	}
	updated.ID = id
	s.keys[id] = updated
	return updated, nil
}

func (s *memStorage) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *memStorage) ListKeys(_ context.Context, serviceID string, opts storage.ListOptions) ([]storage.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Key, 0, len(s.keys))
	for _, k := range s.keys {
		if serviceID == "" || k.ServiceID == serviceID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return applyKeyset(out, opts, func(v storage.Key) string { return v.ID }), nil
}

// -- Users --------------------------------------------------------------

func (s *memStorage) CreateUser(_ context.Context, u storage.User) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return storage.User{}, storage.ErrAlreadyExists
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return storage.User{}, storage.ErrConstraint
		}
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *memStorage) GetUser(_ context.Context, id string) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *memStorage) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *memStorage) UpdateUser(_ context.Context, id string, fn storage.UserUpdater) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	updated, err := fn(old)
	if err != nil {
		return storage.User{}, err
	}
	updated.ID = id
	s.users[id] = updated
	return updated, nil
}

func (s *memStorage) UpdateUserPassword(_ context.Context, id string, passwordHash string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	old.PasswordHash = passwordHash
	old.PasswordRequireUpdate = false
	s.users[id] = old
	return old, nil
}

func (s *memStorage) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *memStorage) ListUsers(_ context.Context, opts storage.ListOptions) ([]storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return applyKeyset(out, opts, func(v storage.User) string { return v.ID }), nil
}

// -- CSRF --------------------------------------------------------------

func (s *memStorage) CreateCsrf(_ context.Context, c storage.Csrf) (storage.Csrf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.csrf[c.Key]; ok {
		return storage.Csrf{}, storage.ErrAlreadyExists
	}
	s.csrf[c.Key] = c
	return c, nil
}

// GetCsrf deletes the row before returning it, so a concurrent caller racing
// on the same key observes ErrNotFound. The expiry sweep runs first so a
// stale row is never handed back as valid.
func (s *memStorage) GetCsrf(_ context.Context, key string) (storage.Csrf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepExpiredCsrfLocked(time.Now())
	c, ok := s.csrf[key]
	if !ok {
		return storage.Csrf{}, storage.ErrNotFound
	}
	delete(s.csrf, key)
	return c, nil
}

func (s *memStorage) DeleteExpiredCsrf(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepExpiredCsrfLocked(now), nil
}

func (s *memStorage) sweepExpiredCsrfLocked(now time.Time) int64 {
	var n int64
	for k, c := range s.csrf {
		if now.After(c.TTL) {
			delete(s.csrf, k)
			n++
		}
	}
	return n
}

// -- Audit --------------------------------------------------------------

func (s *memStorage) CreateAudit(_ context.Context, a storage.AuditEntry) (storage.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.audit[a.ID]; ok {
		return storage.AuditEntry{}, storage.ErrAlreadyExists
	}
	s.audit[a.ID] = a
	return a, nil
}

func (s *memStorage) GetAudit(_ context.Context, id string) (storage.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.audit[id]
	if !ok {
		return storage.AuditEntry{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *memStorage) UpdateAudit(_ context.Context, id string, fn storage.AuditUpdater) (storage.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.audit[id]
	if !ok {
		return storage.AuditEntry{}, storage.ErrNotFound
	}
	updated, err := fn(old)
	if err != nil {
		return storage.AuditEntry{}, err
	}
	updated.ID = id
	s.audit[id] = updated
	return updated, nil
}

func (s *memStorage) ListAudit(_ context.Context, q storage.AuditQuery) ([]storage.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := toSet(q.Types)
	subjectSet := toSet(q.Subjects)

	out := make([]storage.AuditEntry, 0, len(s.audit))
	for _, a := range s.audit {
		if len(typeSet) > 0 && !typeSet[a.Type] {
			continue
		}
		if len(subjectSet) > 0 && !subjectSet[a.Subject] {
			continue
		}
		if q.ServiceID != "" && a.ServiceID != q.ServiceID {
			continue
		}
		if q.UserID != "" && a.UserID != q.UserID {
			continue
		}
		if q.IDGt != "" && a.ID <= q.IDGt {
			continue
		}
		if q.IDLt != "" && a.ID >= q.IDLt {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return applyKeyset(out, storage.ListOptions{Limit: q.Limit}, func(v storage.AuditEntry) string { return v.ID }), nil
}

func (s *memStorage) DeleteAuditOlderThan(_ context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.audit {
		if a.CreatedAt.Before(t) {
			delete(s.audit, id)
			n++
		}
	}
	return n, nil
}

func (s *memStorage) ReadAuditMetrics(_ context.Context, from time.Time, serviceID string) ([]storage.AuditCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		typ    string
		status int
	}
	counts := make(map[key]int64)
	for _, a := range s.audit {
		if a.CreatedAt.Before(from) {
			continue
		}
		if serviceID != "" && a.ServiceID != serviceID {
			continue
		}
		counts[key{a.Type, a.StatusCode}]++
	}
	out := make([]storage.AuditCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, storage.AuditCount{Type: k.typ, Status: k.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// -- Advisory lock --------------------------------------------------------------

// ExclusiveLock serialises callers that share (k1, k2) using a per-pair
// mutex. It is the in-process analogue of the SQL driver's
// pg_advisory_xact_lock(k1, k2).
func (s *memStorage) ExclusiveLock(_ context.Context, k1, k2 int64, fn func() error) error {
	s.lockMu.Lock()
	key := [2]int64{k1, k2}
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.lockMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// applyKeyset trims an already-sorted slice to the requested keyset page.
func applyKeyset[T any](items []T, opts storage.ListOptions, id func(T) string) []T {
	if opts.IDGt != "" {
		i := 0
		for i < len(items) && id(items[i]) <= opts.IDGt {
			i++
		}
		items = items[i:]
	}
	if opts.IDLt != "" {
		i := 0
		for i < len(items) && id(items[i]) < opts.IDLt {
			i++
		}
		items = items[:i]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
