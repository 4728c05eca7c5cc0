package db

import (
	"context"

	"github.com/palantir/stacktrace"
)

// User is an operator allowed to call the device API.
type User struct {
	ID               string
	Admin            bool
	Login            string
	Email            string
	TOTPSecret       string
	ED25519PublicKey []byte
}

// InsertUser adds a new user.
func (t *Store) InsertUser(ctx context.Context, user *User) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO user (id, admin, login, email, totp_secret, ed25519_public_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Admin, user.Login, user.Email, user.TOTPSecret, user.ED25519PublicKey,
	)

	if err != nil {
		return stacktrace.Propagate(err, "failed to insert user %v", user.Login)
	}

	return nil
}

// ListUsers returns every user.
func (t *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, admin, login, email, totp_secret, ed25519_public_key FROM user ORDER BY login`,
	)

	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to list users")
	}
	defer rows.Close()

	var users []*User

	for rows.Next() {
		var u User

		if err = rows.Scan(&u.ID, &u.Admin, &u.Login, &u.Email, &u.TOTPSecret, &u.ED25519PublicKey); err != nil {
			return nil, stacktrace.Propagate(err, "failed to read user row")
		}

		users = append(users, &u)
	}

	if err = rows.Err(); err != nil {
		return nil, stacktrace.Propagate(err, "failed to iterate users")
	}

	return users, nil
}

// CountAdmins returns the number of admin users.
func (t *Store) CountAdmins(ctx context.Context) (int, error) {
	var count int

	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user WHERE admin = 1`).Scan(&count); err != nil {
		return 0, stacktrace.Propagate(err, "failed to count admins")
	}

	return count, nil
}
