// Package db is the hub's device registry and latest-snapshot store, backed
// by an embedded SQLite database.
package db

import (
	"database/sql"
	"errors"

	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides access to the hub database
type Store struct {
	db     *sql.DB
	path   string
	logger logrus.FieldLogger
}

// Open connects to the SQLite database at path, creating it if needed. Use
// ":memory:" for a throwaway database.
func Open(path string, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", dsn)

	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to open store %v", path)
	}

	// a single connection keeps ":memory:" databases shared and serializes writers
	conn.SetMaxOpenConns(1)

	if err = conn.Ping(); err != nil {
		conn.Close()
		return nil, stacktrace.Propagate(err, "failed to connect to store %v", path)
	}

	return &Store{
		db:     conn,
		path:   path,
		logger: logger.WithField("store", path),
	}, nil
}

// Close releases the database handle.
func (t *Store) Close() error {
	return t.db.Close()
}
