// Package auth implements account registration, credential checks, and the
// per-document role lookup the edge consults before attaching a connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/aqueduct-io/aqueduct/internal/store"
)

// Document roles. An empty role means no access at all.
const (
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

var (
	// ErrInvalidCredentials covers both unknown usernames and wrong
	// passwords, so a caller cannot probe which usernames exist.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUsernameTaken indicates a registration against an existing
	// username.
	ErrUsernameTaken = errors.New("auth: username already taken")

	// ErrInvalidUsername indicates a username that is empty after
	// normalization or longer than the column allows.
	ErrInvalidUsername = errors.New("auth: invalid username")

	// ErrPasswordTooShort indicates a password under the minimum length.
	ErrPasswordTooShort = errors.New("auth: password too short")
)

const (
	maxUsernameLen = 64
	minPasswordLen = 8
)

// Authenticator registers accounts and verifies credentials against the
// store.
type Authenticator struct {
	store *store.Store
	cost  int
	now   func() time.Time
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) AuthOption {
	return func(a *Authenticator) { a.cost = cost }
}

// WithNow overrides the wall clock used for account creation times.
func WithNow(now func() time.Time) AuthOption {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator creates an authenticator over the given store.
func NewAuthenticator(st *store.Store, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		store: st,
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register creates an account. The username is normalized before storage,
// so visually equivalent spellings collapse to one account.
func (a *Authenticator) Register(ctx context.Context, username, password string) (store.User, error) {
	name := NormalizeUsername(username)
	if name == "" || len(name) > maxUsernameLen {
		return store.User{}, ErrInvalidUsername
	}
	if len(password) < minPasswordLen {
		return store.User{}, ErrPasswordTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	u := store.User{
		ID:           uuid.NewString(),
		Username:     name,
		PasswordHash: hash,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return store.User{}, ErrUsernameTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Authenticate verifies a username/password pair and returns the account.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (store.User, error) {
	u, err := a.store.UserByUsername(ctx, NormalizeUsername(username))
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Authorizer answers the per-document role question for the edge.
type Authorizer struct {
	store *store.Store
}

// NewAuthorizer creates an authorizer over the given store.
func NewAuthorizer(st *store.Store) *Authorizer {
	return &Authorizer{store: st}
}

// RoleFor returns the user's role on a document, or "" when the user has
// no access.
func (a *Authorizer) RoleFor(ctx context.Context, documentID, userID string) (string, error) {
	role, err := a.store.RoleFor(ctx, documentID, userID)
	if err != nil {
		return "", fmt.Errorf("look up role: %w", err)
	}
	return role, nil
}

// CanAttach reports whether the role grants any access to a document.
func CanAttach(role string) bool { return role == RoleEditor || role == RoleViewer }

// CanEdit reports whether the role grants mutation rights.
func CanEdit(role string) bool { return role == RoleEditor }
