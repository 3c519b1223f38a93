//go:build cgo
// +build cgo

package sql

import (
	"database/sql"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/ssoforge/idcore/storage"
)

// SQLite3 options for creating a SQL db. Used by this core's own test suite
// and by single-node deployments that don't want a separate Postgres
// instance; CreateService et al still go through the same conn/crud code.
type SQLite3 struct {
	File string `json:"file"`
}

// Open creates a new storage implementation backed by SQLite3.
func (s *SQLite3) Open(logger logrus.FieldLogger) (storage.Storage, error) {
	return s.open(logger)
}

func (s *SQLite3) open(logger logrus.FieldLogger) (*conn, error) {
	db, err := sql.Open("sqlite3", s.File)
	if err != nil {
		return nil, err
	}

	// Only one connection: any concurrent goroutine attempting access waits.
	// ExclusiveLock degrades to fn() only, relying on this serialization.
	db.SetMaxOpenConns(1)
	errCheck := func(err error) bool {
		sqlErr, ok := err.(sqlite3.Error)
		if !ok {
			return false
		}
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	c := &conn{db, flavorSQLite3, logger, errCheck}
	if _, err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %v", err)
	}
	return c, nil
}
