// Package auth holds the shell's static credential table and login session.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotLoggedIn        = errors.New("must log in first")
	ErrForbidden          = errors.New("operation requires admin privileges")
)

// Role is a user's privilege level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Credential is a password and role for one user name.
type Credential struct {
	Password string
	Role     Role
}

// User is a logged-in identity.
type User struct {
	Name string
	Role Role
}

func (u User) String() string {
	return fmt.Sprintf("%s (%s)", u.Name, u.Role)
}

// Session tracks who is logged in. Safe for concurrent use.
type Session struct {
	users map[string]Credential

	mu      sync.Mutex
	current *User
}

// NewSession returns a logged-out session over users. The map is copied.
func NewSession(users map[string]Credential) *Session {
	table := make(map[string]Credential, len(users))
	for name, c := range users {
		table[name] = c
	}

	return &Session{users: table}
}

// Login checks the credentials and makes name the current user, replacing
// any previous login.
func (s *Session) Login(name, password string) (User, error) {
	c, ok := s.users[name]

	// Compare even for unknown names so timing does not reveal them.
	match := subtle.ConstantTimeCompare([]byte(c.Password), []byte(password)) == 1
	if !ok || !match {
		return User{}, ErrInvalidCredentials
	}

	u := User{Name: name, Role: c.Role}

	s.mu.Lock()
	s.current = &u
	s.mu.Unlock()

	return u, nil
}

// Logout ends the current login and returns who was logged in.
func (s *Session) Logout() (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return User{}, ErrNotLoggedIn
	}

	u := *s.current
	s.current = nil

	return u, nil
}

// Current returns the logged-in user, if any.
func (s *Session) Current() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return User{}, false
	}

	return *s.current, true
}

// Require fails with [ErrNotLoggedIn] when nobody is logged in, and with
// [ErrForbidden] when role is admin and the current user is not.
func (s *Session) Require(role Role) error {
	u, ok := s.Current()
	if !ok {
		return ErrNotLoggedIn
	}

	if role == RoleAdmin && u.Role != RoleAdmin {
		return ErrForbidden
	}

	return nil
}
