// Package sql implements storage.Storage against a relational driver,
// targeting PostgreSQL (the deployment driver, via lib/pq and the server's
// own pg_advisory_xact_lock for ExclusiveLock) and SQLite (for tests and
// single-node deployments without a Postgres server to run against).
package sql

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	// registers the sqlite3 driver with database/sql
	_ "github.com/mattn/go-sqlite3"
)

// flavor adapts the handful of query shapes this package issues to a
// specific backend's dialect. It is not a general SQL translator — it
// rewrites only the constructs crud.go actually emits (bind placeholders,
// booleans, bytea/timestamptz columns, now()).
type flavor struct {
	queryReplacers []replacer

	// executeTx opens and drives a transaction for this flavor; nil means
	// the plain database/sql Begin/Commit/Rollback sequence is good enough.
	executeTx func(db *sql.DB, fn func(*sql.Tx) error) error

	// supportsTimezones is false for flavors (sqlite) that store timestamps
	// without a zone, so arguments must be normalized to UTC before binding.
	supportsTimezones bool
}

// replacer is one regexp-and-replacement pair applied by flavor.translate.
type replacer struct {
	re   *regexp.Regexp
	with string
}

// bindRegexp matches a Postgres positional bind: "$1", "$12", etc.
var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var (
	// flavorPostgres is the primary target: queries are written in its
	// dialect and every other flavor is a translation away from it.
	flavorPostgres = flavor{
		// Postgres defaults new transactions to the read-committed
		// isolation level; the advisory-lock-and-mutate pattern this core
		// relies on (ExclusiveLock, UpdateKey/UpdateUser/UpdateAudit)
		// needs serializable so a lost update surfaces as a retryable
		// serialization failure instead of silently overwriting a
		// concurrent write.
		//
		// See: https://www.postgresql.org/docs/current/transaction-iso.html
		//
		// fn must not wrap the *sql.Tx errors it returns, or a
		// serialization failure from Postgres won't be recognized below
		// and retried.
		executeTx: func(db *sql.DB, fn func(sqlTx *sql.Tx) error) error {
			ctx, cancel := context.WithCancel(context.TODO())
			defer cancel()

			opts := &sql.TxOptions{
				Isolation: sql.LevelSerializable,
			}

			for {
				tx, err := db.BeginTx(ctx, opts)
				if err != nil {
					return err
				}

				if err := fn(tx); err != nil {
					if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "serialization_failure" {
						// serialization error; retry
						continue
					}

					return err
				}

				err = tx.Commit()
				if err != nil {
					if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "serialization_failure" {
						// serialization error; retry
						continue
					}

					return err
				}

				return nil
			}
		},

		supportsTimezones: true,
	}

	// flavorSQLite3 rewrites the handful of Postgres-isms crud.go's queries
	// use into something SQLite accepts: positional "?" binds instead of
	// "$n", integers instead of a native boolean type, blob instead of
	// bytea, and date('now') instead of now().
	flavorSQLite3 = flavor{
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("true"), "1"},
			{matchLiteral("false"), "0"},
			{matchLiteral("boolean"), "integer"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
			{regexp.MustCompile(`\bnow\(\)`), "date('now')"},
		},
	}
)

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

// translateArgs normalizes query arguments for flavors that need it — only
// timestamps, and only when the flavor has no native timezone support
// (sqlite), where every time.Time must already be UTC before binding.
func (c *conn) translateArgs(args []interface{}) []interface{} {
	if c.flavor.supportsTimezones {
		return args
	}

	for i, arg := range args {
		if t, ok := arg.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// conn is a storage.Storage backed by a single *sql.DB and a flavor. Every
// CRUD method in crud.go is defined on *conn.
type conn struct {
	db                 *sql.DB
	flavor             flavor
	logger             logrus.FieldLogger
	alreadyExistsCheck func(err error) bool
}

func (c *conn) Close() error {
	return c.db.Close()
}

// Exec, Query and QueryRow mirror database/sql.DB's own methods, routing
// every query through the flavor's translation first so crud.go can write
// Postgres syntax unconditionally.

func (c *conn) Exec(query string, args ...interface{}) (sql.Result, error) {
	query = c.flavor.translate(query)
	return c.db.Exec(query, c.translateArgs(args)...)
}

func (c *conn) Query(query string, args ...interface{}) (*sql.Rows, error) {
	query = c.flavor.translate(query)
	return c.db.Query(query, c.translateArgs(args)...)
}

func (c *conn) QueryRow(query string, args ...interface{}) *sql.Row {
	query = c.flavor.translate(query)
	return c.db.QueryRow(query, c.translateArgs(args)...)
}

// ExecTx runs fn inside a transaction, using the flavor's own transaction
// driver (Postgres: serializable isolation with retry-on-conflict) when it
// has one, or a plain Begin/Commit/Rollback otherwise.
func (c *conn) ExecTx(fn func(tx *trans) error) error {
	if c.flavor.executeTx != nil {
		return c.flavor.executeTx(c.db, func(sqlTx *sql.Tx) error {
			return fn(&trans{sqlTx, c})
		})
	}

	sqlTx, err := c.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&trans{sqlTx, c}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// trans is the transaction handle ExecTx hands to its callback; its Exec/
// Query/QueryRow mirror *sql.Tx's own methods with the same translation.
type trans struct {
	tx *sql.Tx
	c  *conn
}

func (t *trans) Exec(query string, args ...interface{}) (sql.Result, error) {
	query = t.c.flavor.translate(query)
	return t.tx.Exec(query, t.c.translateArgs(args)...)
}

func (t *trans) Query(query string, args ...interface{}) (*sql.Rows, error) {
	query = t.c.flavor.translate(query)
	return t.tx.Query(query, t.c.translateArgs(args)...)
}

func (t *trans) QueryRow(query string, args ...interface{}) *sql.Row {
	query = t.c.flavor.translate(query)
	return t.tx.QueryRow(query, t.c.translateArgs(args)...)
}
