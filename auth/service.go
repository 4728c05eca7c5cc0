// Package auth authenticates device API requests. Each request carries an
// ed25519 signature over the request line and a current TOTP passcode, so a
// captured header stops being valid once the passcode window passes.
package auth

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deviceio/relay/db"
	"github.com/palantir/stacktrace"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"
)

// AuthType is the <type> part of the Authorization header.
const AuthType = "DEVICEIO-RELAY-AUTH"

// UserStore lists the users allowed to call the API.
type UserStore interface {
	ListUsers(ctx context.Context) ([]*db.User, error)
}

// Options ...
type Options struct {
	Users  UserStore
	Logger logrus.FieldLogger
}

// Service verifies signed API requests against a cache of users.
type Service struct {
	users       UserStore
	logger      logrus.FieldLogger
	now         func() time.Time
	userCache   map[string]*db.User
	userCacheMu sync.Mutex
}

// NewService creates a new instance of the Service type. The user cache is
// filled lazily on the first lookup miss.
func NewService(opts *Options) *Service {
	logger := opts.Logger

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Service{
		users:     opts.Users,
		logger:    logger.WithField("component", "auth"),
		now:       time.Now,
		userCache: map[string]*db.User{},
	}
}

// Refresh reloads the user cache from the store.
func (t *Service) Refresh(ctx context.Context) error {
	users, err := t.users.ListUsers(ctx)

	if err != nil {
		return stacktrace.Propagate(err, "failed to load users")
	}

	cache := make(map[string]*db.User, len(users))

	for _, user := range users {
		cache[user.ID] = user
	}

	t.userCacheMu.Lock()
	t.userCache = cache
	t.userCacheMu.Unlock()

	t.logger.WithField("users", len(cache)).Debug("user cache refreshed")

	return nil
}

// AuthenticateAPIRequest validates the Authorization header of r. The
// header has the form `DEVICEIO-RELAY-AUTH <user>:<ed25519_signature_base64>`
// where <user> is a user id, login or email.
func (t *Service) AuthenticateAPIRequest(r *http.Request) error {
	authheader := r.Header.Get("Authorization")

	if authheader == "" {
		return &AuthenticationFailed{
			Reason: "authentication header empty",
		}
	}

	authHeaderTypeAndValue := strings.Split(strings.TrimSpace(authheader), " ")

	if len(authHeaderTypeAndValue) != 2 {
		return &AuthenticationFailed{
			Reason: "authorization header does not contain valid type and value",
		}
	}

	if authHeaderTypeAndValue[0] != AuthType {
		return &AuthenticationFailed{
			Reason: fmt.Sprintf("authorization header <type> must be '%v'", AuthType),
		}
	}

	authHeaderValues := strings.Split(authHeaderTypeAndValue[1], ":")

	if len(authHeaderValues) != 2 {
		return &AuthenticationFailed{
			Reason: "authorization value does not have required format <user_id>:<ed25519_signature_base64>",
		}
	}

	suppliedID := authHeaderValues[0]
	suppliedSignature, err := base64.StdEncoding.DecodeString(authHeaderValues[1])

	if err != nil {
		return &AuthenticationFailed{
			Reason: err.Error(),
		}
	}

	user := t.lookup(suppliedID)

	if user == nil && t.users != nil {
		if err = t.Refresh(r.Context()); err != nil {
			t.logger.WithError(err).Error("user cache refresh failed")
		}
		user = t.lookup(suppliedID)
	}

	if user == nil {
		return &AuthenticationFailed{
			Reason: "no such user",
		}
	}

	passcode, err := totp.GenerateCode(user.TOTPSecret, t.now())

	if err != nil {
		return &AuthenticationFailed{
			Reason: err.Error(),
		}
	}

	sigok := ed25519.Verify(
		ed25519.PublicKey(user.ED25519PublicKey),
		signingDigest(suppliedID, passcode, r),
		suppliedSignature,
	)

	if !sigok {
		return &AuthenticationFailed{
			Reason: "signature mismatch",
		}
	}

	return nil
}

// Middleware rejects requests that fail AuthenticateAPIRequest with 403.
func (t *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if err := t.AuthenticateAPIRequest(r); err != nil {
			t.logger.WithFields(logrus.Fields{
				"remoteAddr": r.RemoteAddr,
				"path":       r.URL.Path,
			}).Warn(err.Error())
			http.Error(rw, "", http.StatusForbidden)
			return
		}

		next.ServeHTTP(rw, r)
	})
}

func (t *Service) lookup(supplied string) *db.User {
	t.userCacheMu.Lock()
	defer t.userCacheMu.Unlock()

	for _, a := range t.userCache {
		if a.ID == supplied || a.Login == supplied || a.Email == supplied {
			return a
		}
	}

	return nil
}

// SignRequest sets the Authorization header of r for the user identified by
// userID, using the user's TOTP secret and ed25519 private key.
func SignRequest(r *http.Request, userID string, totpSecret string, key ed25519.PrivateKey, at time.Time) error {
	if len(key) != ed25519.PrivateKeySize {
		return stacktrace.NewError("invalid ed25519 private key length %v", len(key))
	}

	passcode, err := totp.GenerateCode(totpSecret, at)

	if err != nil {
		return stacktrace.Propagate(err, "failed to generate totp passcode")
	}

	signature := ed25519.Sign(key, signingDigest(userID, passcode, r))

	r.Header.Set("Authorization", fmt.Sprintf("%v %v:%v",
		AuthType,
		userID,
		base64.StdEncoding.EncodeToString(signature),
	))

	return nil
}

// signingDigest is the SHA-512 of the CRLF joined request fields both sides sign.
func signingDigest(userID string, passcode string, r *http.Request) []byte {
	message := strings.Join(
		[]string{
			userID,
			passcode,
			r.Method,
			r.Host,
			r.URL.Path,
			r.URL.RawQuery,
			r.Header.Get("Content-Type"),
		},
		"\r\n",
	)

	hash := sha512.New()
	hash.Write([]byte(message))

	return hash.Sum(nil)
}
