package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testAuthenticator(t *testing.T) (*Authenticator, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	if err := store.Add("root", "correct-horse", RoleAdmin); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return NewAuthenticator(store), store
}

func TestAuthenticate_Valid(t *testing.T) {
	a, _ := testAuthenticator(t)

	account, err := a.Authenticate(context.Background(), "root", "correct-horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.Role != RoleAdmin {
		t.Errorf("role = %q", account.Role)
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	a, store := testAuthenticator(t)
	ctx := context.Background()

	if _, err := a.Authenticate(ctx, "root", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong password error = %v", err)
	}
	if _, err := a.Authenticate(ctx, "nobody", "x"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unknown user error = %v", err)
	}

	store.Disable("root")
	if _, err := a.Authenticate(ctx, "root", "correct-horse"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("disabled account error = %v", err)
	}
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleAdmin, PermissionCallerWrite, true},
		{RoleOperator, PermissionCallerWrite, false},
		{RoleOperator, PermissionCallerRead, true},
		{RoleViewer, PermissionCallerRead, false},
		{RoleViewer, PermissionUsageRead, true},
		{Role("unknown"), PermissionUsageRead, false},
	}
	for _, tt := range tests {
		if got := tt.role.Can(tt.perm); got != tt.want {
			t.Errorf("%s.Can(%s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestMiddleware_Require(t *testing.T) {
	a, _ := testAuthenticator(t)
	store := NewInMemoryStore()
	store.Add("root", "secret", RoleAdmin)
	store.Add("watcher", "secret", RoleViewer)
	a = NewAuthenticator(store)
	mw := NewMiddleware(a)

	var hitAccount *Account
	handler := mw.Require(PermissionCallerWrite, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitAccount, _ = AccountFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("no credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/admin/callers", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("challenge header missing")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/admin/callers", nil)
		req.SetBasicAuth("root", "bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("insufficient role", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/admin/callers", nil)
		req.SetBasicAuth("watcher", "secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("authorized", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/admin/callers", nil)
		req.SetBasicAuth("root", "secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d", rec.Code)
		}
		if hitAccount == nil || hitAccount.Username != "root" {
			t.Errorf("account in context = %+v", hitAccount)
		}
	})
}

func TestHashPassword_Verifies(t *testing.T) {
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "pw" {
		t.Error("hash must not equal the password")
	}
}
