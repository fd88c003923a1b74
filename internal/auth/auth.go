// Package auth guards the admin surface: caller management, usage
// reports and quota inspection. Admin accounts authenticate with HTTP
// basic auth against bcrypt hashes; roles map onto fixed permission
// sets.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrAccountNotFound = errors.New("admin account not found")
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

type Permission string

const (
	PermissionCallerRead  Permission = "caller:read"
	PermissionCallerWrite Permission = "caller:write"
	PermissionUsageRead   Permission = "usage:read"
	PermissionQuotaRead   Permission = "quota:read"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin:    {PermissionCallerRead, PermissionCallerWrite, PermissionUsageRead, PermissionQuotaRead},
	RoleOperator: {PermissionCallerRead, PermissionUsageRead, PermissionQuotaRead},
	RoleViewer:   {PermissionUsageRead, PermissionQuotaRead},
}

func (r Role) Can(p Permission) bool {
	for _, granted := range rolePermissions[r] {
		if granted == p {
			return true
		}
	}
	return false
}

type Account struct {
	Username     string
	PasswordHash string
	Role         Role
	Enabled      bool
	CreatedAt    time.Time
}

// AccountStore resolves admin accounts by username.
type AccountStore interface {
	ByUsername(ctx context.Context, username string) (*Account, error)
}

type Authenticator struct {
	store AccountStore
}

func NewAuthenticator(store AccountStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate verifies credentials. Disabled accounts and bad passwords
// both come back as ErrUnauthorized so responses do not reveal which.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	account, err := a.store.ByUsername(ctx, username)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if !account.Enabled {
		return nil, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrUnauthorized
	}
	return account, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type contextKey struct{}

func WithAccount(ctx context.Context, account *Account) context.Context {
	return context.WithValue(ctx, contextKey{}, account)
}

func AccountFromContext(ctx context.Context) (*Account, bool) {
	account, ok := ctx.Value(contextKey{}).(*Account)
	return account, ok
}

// Middleware wraps admin handlers with basic auth and a permission
// check.
type Middleware struct {
	auth *Authenticator
}

func NewMiddleware(auth *Authenticator) *Middleware {
	return &Middleware{auth: auth}
}

func (m *Middleware) Require(permission Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="modelbridge admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		account, err := m.auth.Authenticate(r.Context(), username, password)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !account.Role.Can(permission) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
	})
}

// InMemoryStore holds accounts for tests and single-node deployments.
type InMemoryStore struct {
	accounts map[string]*Account
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{accounts: make(map[string]*Account)}
}

// Add hashes the password and stores the account.
func (s *InMemoryStore) Add(username, password string, role Role) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	s.accounts[username] = &Account{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Enabled:      true,
		CreatedAt:    time.Now(),
	}
	return nil
}

func (s *InMemoryStore) Disable(username string) {
	if a, ok := s.accounts[username]; ok {
		a.Enabled = false
	}
}

func (s *InMemoryStore) ByUsername(ctx context.Context, username string) (*Account, error) {
	account, ok := s.accounts[username]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return account, nil
}
