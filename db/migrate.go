package db

import (
	"context"

	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
)

// Migrate conducts any required data migrations. It is safe to run on every
// start.
func (t *Store) Migrate(ctx context.Context) error {
	existing := map[string]bool{}

	rows, err := t.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)

	if err != nil {
		return stacktrace.Propagate(err, "failed to list tables")
	}

	for rows.Next() {
		var name string

		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return stacktrace.Propagate(err, "failed to scan table name")
		}

		existing[name] = true
	}

	err = rows.Err()
	rows.Close()

	if err != nil {
		return stacktrace.Propagate(err, "failed to list tables")
	}

	for _, table := range tables {
		if existing[string(table.name)] {
			continue
		}

		t.logger.WithField("table", table.name).Info("creating table")

		if _, err = t.db.ExecContext(ctx, table.schema); err != nil {
			return stacktrace.Propagate(err, "failed to create table %v", table.name)
		}
	}

	t.logger.WithFields(logrus.Fields{
		"path":   t.path,
		"tables": len(tables),
	}).Debug("store migrated")

	return nil
}
