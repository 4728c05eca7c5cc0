package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"

	"github.com/deviceio/relay/db"
	"github.com/google/uuid"
	"github.com/palantir/stacktrace"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"
)

// AdminStore is the part of the store EnsureAdmin needs.
type AdminStore interface {
	CountAdmins(ctx context.Context) (int, error)
	InsertUser(ctx context.Context, user *db.User) error
}

// Credentials are the secrets a client needs to sign API requests. They are
// only ever available when the user is created.
type Credentials struct {
	UserID     string
	Login      string
	TOTPSecret string
	PrivateKey string // base64 ed25519 private key
}

// EnsureAdmin creates the initial admin user when none exists and logs its
// credentials once. It returns nil credentials when an admin already exists.
func EnsureAdmin(ctx context.Context, store AdminStore, logger logrus.FieldLogger) (*Credentials, error) {
	count, err := store.CountAdmins(ctx)

	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to count admins")
	}

	if count > 0 {
		return nil, nil
	}

	adminTOTPKey, err := totp.Generate(totp.GenerateOpts{
		Algorithm:   otp.AlgorithmSHA512,
		Issuer:      "deviceio-relay",
		AccountName: "admin@localhost",
	})

	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to generate admin totp key")
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)

	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to generate admin ed25519 keypair")
	}

	user := &db.User{
		ID:               uuid.NewString(),
		Login:            "admin",
		Admin:            true,
		Email:            "admin@localhost",
		TOTPSecret:       adminTOTPKey.Secret(),
		ED25519PublicKey: pubKey,
	}

	if err = store.InsertUser(ctx, user); err != nil {
		return nil, stacktrace.Propagate(err, "failed to store admin user")
	}

	creds := &Credentials{
		UserID:     user.ID,
		Login:      user.Login,
		TOTPSecret: user.TOTPSecret,
		PrivateKey: base64.StdEncoding.EncodeToString(privKey),
	}

	logger.WithFields(logrus.Fields{
		"id":          creds.UserID,
		"login":       creds.Login,
		"totp_secret": creds.TOTPSecret,
		"private_key": creds.PrivateKey,
	}).Info("initial admin credentials")

	return creds, nil
}

// ParsePrivateKey decodes a base64 ed25519 private key as printed by
// EnsureAdmin.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)

	if err != nil {
		return nil, stacktrace.Propagate(err, "private key is not valid base64")
	}

	if len(b) != ed25519.PrivateKeySize {
		return nil, stacktrace.NewError("private key must be %v bytes, got %v", ed25519.PrivateKeySize, len(b))
	}

	return ed25519.PrivateKey(b), nil
}
