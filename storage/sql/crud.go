package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ssoforge/idcore/storage"
)

// encoder wraps the underlying value in a JSON marshaler which is
// automatically called by the database/sql package.
func encoder(i interface{}) driver.Valuer {
	return jsonEncoder{i}
}

// decoder wraps the underlying value in a JSON unmarshaler which can then be
// passed to a database Scan() method.
func decoder(i interface{}) sql.Scanner {
	return jsonDecoder{i}
}

type jsonEncoder struct{ i interface{} }

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.i)
	if err != nil {
		return nil, fmt.Errorf("marshal: %v", err)
	}
	return b, nil
}

type jsonDecoder struct{ i interface{} }

func (j jsonDecoder) Scan(dest interface{}) error {
	if dest == nil {
		return errors.New("nil value")
	}
	b, ok := dest.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte got %T", dest)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &j.i)
}

// Abstract conn vs trans.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

// Abstract row vs rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

var _ storage.Storage = (*conn)(nil)

// -- Services --------------------------------------------------------------

func (c *conn) CreateService(ctx context.Context, s storage.Service) (storage.Service, error) {
	_, err := c.Exec(`
		insert into service (
			id, is_enabled, name, url, provider_local_url,
			provider_github_oauth2_url, provider_microsoft_oauth2_url,
			user_allow_register, user_email_text, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`, s.ID, s.IsEnabled, s.Name, s.URL, s.ProviderLocalURL,
		s.ProviderGithubOAuth2URL, s.ProviderMicrosoftOAuth2URL,
		s.UserAllowRegister, s.UserEmailText, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.Service{}, storage.ErrAlreadyExists
		}
		return storage.Service{}, fmt.Errorf("insert service: %v", err)
	}
	return s, nil
}

func getService(q querier, id string) (storage.Service, error) {
	return scanService(q.QueryRow(`
		select
			id, is_enabled, name, url, provider_local_url,
			provider_github_oauth2_url, provider_microsoft_oauth2_url,
			user_allow_register, user_email_text, created_at, updated_at
		from service where id = $1;
	`, id))
}

func (c *conn) GetService(ctx context.Context, id string) (storage.Service, error) {
	return getService(c, id)
}

func (c *conn) UpdateService(ctx context.Context, id string, fn storage.ServiceUpdater) (storage.Service, error) {
	var updated storage.Service
	err := c.ExecTx(func(tx *trans) error {
		old, err := getService(tx, id)
		if err != nil {
			return err
		}
		updated, err = fn(old)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update service set
				is_enabled = $1, name = $2, url = $3, provider_local_url = $4,
				provider_github_oauth2_url = $5, provider_microsoft_oauth2_url = $6,
				user_allow_register = $7, user_email_text = $8, updated_at = $9
			where id = $10;
		`, updated.IsEnabled, updated.Name, updated.URL, updated.ProviderLocalURL,
			updated.ProviderGithubOAuth2URL, updated.ProviderMicrosoftOAuth2URL,
			updated.UserAllowRegister, updated.UserEmailText, updated.UpdatedAt, id,
		)
		return err
	})
	return updated, err
}

func (c *conn) DeleteService(ctx context.Context, id string) error {
	return c.delete("service", "id", id)
}

func (c *conn) ListServices(ctx context.Context, opts storage.ListOptions) ([]storage.Service, error) {
	query, args := keysetQuery("service", []string{
		"id", "is_enabled", "name", "url", "provider_local_url",
		"provider_github_oauth2_url", "provider_microsoft_oauth2_url",
		"user_allow_register", "user_email_text", "created_at", "updated_at",
	}, "id", opts, nil)

	rows, err := c.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanService(s scanner) (svc storage.Service, err error) {
	err = s.Scan(
		&svc.ID, &svc.IsEnabled, &svc.Name, &svc.URL, &svc.ProviderLocalURL,
		&svc.ProviderGithubOAuth2URL, &svc.ProviderMicrosoftOAuth2URL,
		&svc.UserAllowRegister, &svc.UserEmailText, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		err = storage.ErrNotFound
	}
	return svc, err
}

// -- Keys --------------------------------------------------------------

func (c *conn) CreateKey(ctx context.Context, k storage.Key) (storage.Key, error) {
	_, err := c.Exec(`
		insert into key (
			id, is_enabled, is_revoked, type, name, value, service_id, user_id,
			created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`, k.ID, k.IsEnabled, k.IsRevoked, string(k.Type), k.Name, k.Value,
		nullable(k.ServiceID), nullable(k.UserID), k.CreatedAt, k.UpdatedAt,
	)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.Key{}, storage.ErrAlreadyExists
		}
		if isConstraintViolation(err) {
			return storage.Key{}, storage.ErrConstraint
		}
		return storage.Key{}, fmt.Errorf("insert key: %v", err)
	}
	return k, nil
}

const keyColumns = `
	id, is_enabled, is_revoked, type, name, value,
	coalesce(service_id, ''), coalesce(user_id, ''), created_at, updated_at
`

func getKey(q querier, id string) (storage.Key, error) {
	return scanKey(q.QueryRow(`select `+keyColumns+` from key where id = $1;`, id))
}

func (c *conn) GetKey(ctx context.Context, id string) (storage.Key, error) {
	return getKey(c, id)
}

func (c *conn) GetKeyByValue(ctx context.Context, value string) (storage.Key, error) {
	return scanKey(c.QueryRow(`select `+keyColumns+` from key where value = $1;`, value))
}

func (c *conn) GetKeyByUserAndService(ctx context.Context, userID, serviceID string, kind storage.KeyKind) (storage.Key, error) {
	return scanKey(c.QueryRow(`
		select `+keyColumns+` from key
		where user_id = $1 and service_id = $2 and type = $3
		  and is_enabled and not is_revoked;
	`, userID, serviceID, string(kind)))
}

func (c *conn) UpdateKey(ctx context.Context, id string, fn storage.KeyUpdater) (storage.Key, error) {
	var updated storage.Key
	err := c.ExecTx(func(tx *trans) error {
		old, err := getKey(tx, id)
		if err != nil {
			return err
		}
		updated, err = fn(old)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update key set
				is_enabled = $1, is_revoked = $2, name = $3, updated_at = $4
			where id = $5;
		`, updated.IsEnabled, updated.IsRevoked, updated.Name, updated.UpdatedAt, id)
		return err
	})
	return updated, err
}

func (c *conn) DeleteKey(ctx context.Context, id string) error {
	return c.delete("key", "id", id)
}

func (c *conn) ListKeys(ctx context.Context, serviceID string, opts storage.ListOptions) ([]storage.Key, error) {
	var where []whereClause
	if serviceID != "" {
		where = append(where, whereClause{"service_id = ?", serviceID})
	}
	query, args := keysetQuery("key", strings.Split(strings.ReplaceAll(keyColumns, "\n", " "), ","), "id", opts, where)
	rows, err := c.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanKey(s scanner) (k storage.Key, err error) {
	var kind string
	err = s.Scan(&k.ID, &k.IsEnabled, &k.IsRevoked, &kind, &k.Name, &k.Value,
		&k.ServiceID, &k.UserID, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Key{}, storage.ErrNotFound
	}
	k.Type = storage.KeyKind(kind)
	return k, err
}

// -- Users --------------------------------------------------------------

func (c *conn) CreateUser(ctx context.Context, u storage.User) (storage.User, error) {
	_, err := c.Exec(`
		insert into sso_user (
			id, is_enabled, name, email, locale, timezone, password_hash,
			password_allow_reset, password_require_update, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`, u.ID, u.IsEnabled, u.Name, u.Email, u.Locale, u.Timezone, u.PasswordHash,
		u.PasswordAllowReset, u.PasswordRequireUpdate, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if c.alreadyExistsCheck(err) || isConstraintViolation(err) {
			return storage.User{}, storage.ErrConstraint
		}
		return storage.User{}, fmt.Errorf("insert user: %v", err)
	}
	return u, nil
}

const userColumns = `
	id, is_enabled, name, email, locale, timezone, password_hash,
	password_allow_reset, password_require_update, created_at, updated_at
`

func getUser(q querier, id string) (storage.User, error) {
	return scanUser(q.QueryRow(`select `+userColumns+` from sso_user where id = $1;`, id))
}

func (c *conn) GetUser(ctx context.Context, id string) (storage.User, error) {
	return getUser(c, id)
}

func (c *conn) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	return scanUser(c.QueryRow(`select `+userColumns+` from sso_user where email = $1;`, email))
}

func (c *conn) UpdateUser(ctx context.Context, id string, fn storage.UserUpdater) (storage.User, error) {
	var updated storage.User
	err := c.ExecTx(func(tx *trans) error {
		old, err := getUser(tx, id)
		if err != nil {
			return err
		}
		updated, err = fn(old)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update sso_user set
				is_enabled = $1, name = $2, email = $3, locale = $4, timezone = $5,
				password_hash = $6, password_allow_reset = $7,
				password_require_update = $8, updated_at = $9
			where id = $10;
		`, updated.IsEnabled, updated.Name, updated.Email, updated.Locale, updated.Timezone,
			updated.PasswordHash, updated.PasswordAllowReset, updated.PasswordRequireUpdate,
			updated.UpdatedAt, id,
		)
		if isConstraintViolation(err) {
			return storage.ErrConstraint
		}
		return err
	})
	return updated, err
}

func (c *conn) UpdateUserPassword(ctx context.Context, id string, passwordHash string) (storage.User, error) {
	return c.UpdateUser(ctx, id, func(old storage.User) (storage.User, error) {
		old.PasswordHash = passwordHash
		old.PasswordRequireUpdate = false
		old.UpdatedAt = time.Now().UTC()
		return old, nil
	})
}

func (c *conn) DeleteUser(ctx context.Context, id string) error {
	return c.delete("sso_user", "id", id)
}

func (c *conn) ListUsers(ctx context.Context, opts storage.ListOptions) ([]storage.User, error) {
	query, args := keysetQuery("sso_user", strings.Split(strings.ReplaceAll(userColumns, "\n", " "), ","), "id", opts, nil)
	rows, err := c.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(s scanner) (u storage.User, err error) {
	err = s.Scan(&u.ID, &u.IsEnabled, &u.Name, &u.Email, &u.Locale, &u.Timezone,
		&u.PasswordHash, &u.PasswordAllowReset, &u.PasswordRequireUpdate,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = storage.ErrNotFound
	}
	return u, err
}

// -- CSRF --------------------------------------------------------------

func (c *conn) CreateCsrf(ctx context.Context, csrf storage.Csrf) (storage.Csrf, error) {
	_, err := c.Exec(`
		insert into csrf (key, value, ttl, service_id, created_at)
		values ($1, $2, $3, $4, $5);
	`, csrf.Key, csrf.Value, csrf.TTL, csrf.ServiceID, csrf.CreatedAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.Csrf{}, storage.ErrAlreadyExists
		}
		return storage.Csrf{}, fmt.Errorf("insert csrf: %v", err)
	}
	return csrf, nil
}

// GetCsrf deletes the row as part of the same statement that reads it
// (`delete ... returning`), so a concurrent reader racing on the same key
// observes ErrNotFound rather than a stale value.
func (c *conn) GetCsrf(ctx context.Context, key string) (storage.Csrf, error) {
	var out storage.Csrf
	err := c.ExecTx(func(tx *trans) error {
		if _, err := tx.Exec(`delete from csrf where ttl < now();`); err != nil {
			return fmt.Errorf("sweep expired csrf: %v", err)
		}
		var err error
		out, err = scanCsrf(tx.QueryRow(`
			delete from csrf where key = $1 returning key, value, ttl, service_id, created_at;
		`, key))
		return err
	})
	return out, err
}

func (c *conn) DeleteExpiredCsrf(ctx context.Context, now time.Time) (int64, error) {
	r, err := c.Exec(`delete from csrf where ttl < $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired csrf: %v", err)
	}
	return r.RowsAffected()
}

func scanCsrf(s scanner) (c storage.Csrf, err error) {
	err = s.Scan(&c.Key, &c.Value, &c.TTL, &c.ServiceID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = storage.ErrNotFound
	}
	return c, err
}

// -- Audit --------------------------------------------------------------

const auditColumns = `
	id, created_at, updated_at, user_agent, remote_addr, forwarded, status_code,
	type, subject, data, key_id, service_id, user_id, user_key_id
`

func (c *conn) CreateAudit(ctx context.Context, a storage.AuditEntry) (storage.AuditEntry, error) {
	_, err := c.Exec(`
		insert into audit (
			id, created_at, updated_at, user_agent, remote_addr, forwarded,
			status_code, type, subject, data, key_id, service_id, user_id, user_key_id
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
	`, a.ID, a.CreatedAt, a.UpdatedAt, a.UserAgent, a.RemoteAddr, a.Forwarded,
		a.StatusCode, a.Type, a.Subject, a.Data, a.KeyID, a.ServiceID, a.UserID, a.UserKeyID,
	)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.AuditEntry{}, storage.ErrAlreadyExists
		}
		return storage.AuditEntry{}, fmt.Errorf("insert audit: %v", err)
	}
	return a, nil
}

func getAudit(q querier, id string) (storage.AuditEntry, error) {
	return scanAudit(q.QueryRow(`select `+auditColumns+` from audit where id = $1;`, id))
}

func (c *conn) GetAudit(ctx context.Context, id string) (storage.AuditEntry, error) {
	return getAudit(c, id)
}

func (c *conn) UpdateAudit(ctx context.Context, id string, fn storage.AuditUpdater) (storage.AuditEntry, error) {
	var updated storage.AuditEntry
	err := c.ExecTx(func(tx *trans) error {
		old, err := getAudit(tx, id)
		if err != nil {
			return err
		}
		updated, err = fn(old)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update audit set updated_at = $1, status_code = $2, subject = $3, data = $4 where id = $5;
		`, updated.UpdatedAt, updated.StatusCode, updated.Subject, updated.Data, id)
		return err
	})
	return updated, err
}

func (c *conn) ListAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEntry, error) {
	query := `select ` + auditColumns + ` from audit where 1=1`
	var args []interface{}
	n := 0
	bind := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if len(q.Types) > 0 {
		query += ` and type = any(` + bind(pqStringArray(q.Types)) + `)`
	}
	if len(q.Subjects) > 0 {
		query += ` and subject = any(` + bind(pqStringArray(q.Subjects)) + `)`
	}
	if q.ServiceID != "" {
		query += ` and service_id = ` + bind(q.ServiceID)
	}
	if q.UserID != "" {
		query += ` and user_id = ` + bind(q.UserID)
	}
	if q.IDGt != "" {
		query += ` and id > ` + bind(q.IDGt)
	}
	if q.IDLt != "" {
		query += ` and id < ` + bind(q.IDLt)
	}
	query += ` order by created_at desc, id desc`
	if q.Limit > 0 {
		query += ` limit ` + bind(q.Limit)
	}

	rows, err := c.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.AuditEntry
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c *conn) DeleteAuditOlderThan(ctx context.Context, t time.Time) (int64, error) {
	r, err := c.Exec(`delete from audit where created_at < $1;`, t)
	if err != nil {
		return 0, fmt.Errorf("delete audit: %v", err)
	}
	return r.RowsAffected()
}

func (c *conn) ReadAuditMetrics(ctx context.Context, from time.Time, serviceID string) ([]storage.AuditCount, error) {
	query := `select type, status_code, count(*) from audit where created_at >= $1`
	args := []interface{}{from}
	if serviceID != "" {
		query += ` and service_id = $2`
		args = append(args, serviceID)
	}
	query += ` group by type, status_code order by type, status_code;`

	rows, err := c.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.AuditCount
	for rows.Next() {
		var ac storage.AuditCount
		if err := rows.Scan(&ac.Type, &ac.Status, &ac.Count); err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}

func scanAudit(s scanner) (a storage.AuditEntry, err error) {
	err = s.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt, &a.UserAgent, &a.RemoteAddr,
		&a.Forwarded, &a.StatusCode, &a.Type, &a.Subject, &a.Data, &a.KeyID,
		&a.ServiceID, &a.UserID, &a.UserKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		err = storage.ErrNotFound
	}
	return a, err
}

// -- Advisory lock --------------------------------------------------------------

// ExclusiveLock takes a Postgres transaction-level advisory lock
// (pg_advisory_xact_lock) in a transaction that stays open for the duration
// of fn. The SQLite flavor has no equivalent; there fn simply runs
// under the connection's single-conn serialization (MaxOpenConns(1)).
func (c *conn) ExclusiveLock(ctx context.Context, k1, k2 int64, fn func() error) error {
	if !c.flavor.supportsTimezones {
		return fn()
	}
	return c.ExecTx(func(tx *trans) error {
		if _, err := tx.Exec(`select pg_advisory_xact_lock($1, $2);`, k1, k2); err != nil {
			return fmt.Errorf("acquire advisory lock: %v", err)
		}
		return fn()
	})
}

// -- shared helpers --------------------------------------------------------------

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

func pqStringArray(vals []string) driver.Valuer {
	return jsonEncoder{vals}
}

type whereClause struct {
	expr string
	arg  interface{}
}

// keysetQuery builds a `select ... from table where ...` statement using
// keyset (never offset) pagination on idColumn, plus any extra where clauses.
func keysetQuery(table string, columns []string, idColumn string, opts storage.ListOptions, extra []whereClause) (string, []interface{}) {
	var args []interface{}
	n := 0
	bind := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	query := "select " + strings.Join(trimAll(columns), ", ") + " from " + table + " where 1=1"
	for _, w := range extra {
		query += " and " + strings.Replace(w.expr, "?", bind(w.arg), 1)
	}
	if opts.IDGt != "" {
		query += " and " + idColumn + " > " + bind(opts.IDGt)
	}
	if opts.IDLt != "" {
		query += " and " + idColumn + " < " + bind(opts.IDLt)
	}
	query += " order by " + idColumn
	if opts.Limit > 0 {
		query += " limit " + bind(opts.Limit)
	}
	return query, args
}

func trimAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

// Do NOT call directly. Does not escape table/field.
func (c *conn) delete(table, field, id string) error {
	result, err := c.Exec(`delete from `+table+` where `+field+` = $1`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %v", table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %v", err)
	}
	if n < 1 {
		return storage.ErrNotFound
	}
	return nil
}
