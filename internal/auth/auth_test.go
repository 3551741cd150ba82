package auth_test

import (
	"errors"
	"testing"

	"github.com/calvinalkan/docstore/internal/auth"
)

func newSession() *auth.Session {
	return auth.NewSession(map[string]auth.Credential{
		"admin": {Password: "admin123", Role: auth.RoleAdmin},
		"user":  {Password: "user123", Role: auth.RoleUser},
	})
}

func Test_Login_Returns_InvalidCredentials_When_Password_Wrong(t *testing.T) {
	t.Parallel()

	s := newSession()

	for _, c := range []struct{ name, pw string }{
		{"admin", "nope"},
		{"ghost", "admin123"},
		{"", ""},
	} {
		_, err := s.Login(c.name, c.pw)
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("Login(%q) err=%v, want %v", c.name, err, auth.ErrInvalidCredentials)
		}
	}

	if _, ok := s.Current(); ok {
		t.Fatal("failed login must not set a user")
	}
}

func Test_Require_Checks_Role_When_Logged_In(t *testing.T) {
	t.Parallel()

	s := newSession()

	if err := s.Require(auth.RoleUser); !errors.Is(err, auth.ErrNotLoggedIn) {
		t.Fatalf("err=%v, want %v", err, auth.ErrNotLoggedIn)
	}

	u, err := s.Login("user", "user123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if got, want := u.String(), "user (user)"; got != want {
		t.Fatalf("user=%q, want %q", got, want)
	}

	if err := s.Require(auth.RoleUser); err != nil {
		t.Fatalf("Require(user): %v", err)
	}

	if err := s.Require(auth.RoleAdmin); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("err=%v, want %v", err, auth.ErrForbidden)
	}

	if _, err := s.Login("admin", "admin123"); err != nil {
		t.Fatalf("Login(admin): %v", err)
	}

	if err := s.Require(auth.RoleAdmin); err != nil {
		t.Fatalf("Require(admin): %v", err)
	}
}

func Test_Logout_Returns_NotLoggedIn_When_Nobody_Logged_In(t *testing.T) {
	t.Parallel()

	s := newSession()

	if _, err := s.Logout(); !errors.Is(err, auth.ErrNotLoggedIn) {
		t.Fatalf("err=%v, want %v", err, auth.ErrNotLoggedIn)
	}

	if _, err := s.Login("admin", "admin123"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	u, err := s.Logout()
	if err != nil || u.Name != "admin" {
		t.Fatalf("Logout=%v, %v; want admin", u, err)
	}

	if err := s.Require(auth.RoleUser); !errors.Is(err, auth.ErrNotLoggedIn) {
		t.Fatalf("err=%v, want %v after logout", err, auth.ErrNotLoggedIn)
	}
}

func Test_Role_Valid_Accepts_Only_Known_Roles(t *testing.T) {
	t.Parallel()

	for role, want := range map[auth.Role]bool{"admin": true, "user": true, "root": false, "": false} {
		if got := role.Valid(); got != want {
			t.Fatalf("Role(%q).Valid()=%v, want %v", role, got, want)
		}
	}
}
