package auth

import (
	"errors"
	"strings"
	"sync"
)

// ErrBadCredentials is returned for unknown users and wrong passwords alike,
// so callers cannot probe which addresses exist.
var ErrBadCredentials = errors.New("auth: bad credentials")

// Account is a portal login mapped to an actor.
type Account struct {
	Actor        Actor
	Email        string
	PasswordHash string
}

// Directory is an in-process credential store for the token endpoint. The
// portal's user base is small enough that it is seeded at startup; a larger
// deployment would back this with the persistence store.
type Directory struct {
	mu      sync.RWMutex
	byEmail map[string]Account
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{byEmail: make(map[string]Account)}
}

// Register adds an account, hashing the supplied password.
func (d *Directory) Register(id, email, password string, role Role) error {
	id = strings.TrimSpace(id)
	email = strings.TrimSpace(strings.ToLower(email))
	if id == "" || email == "" || !strings.Contains(email, "@") {
		return errors.New("auth: id and valid email are required")
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byEmail[email]; exists {
		return errors.New("auth: email already registered")
	}
	d.byEmail[email] = Account{
		Actor:        Actor{ID: id, Role: role},
		Email:        email,
		PasswordHash: hash,
	}
	return nil
}

// Authenticate verifies credentials and returns the matching actor.
func (d *Directory) Authenticate(email, password string) (Actor, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	d.mu.RLock()
	acct, ok := d.byEmail[email]
	d.mu.RUnlock()
	if !ok {
		return Actor{}, ErrBadCredentials
	}
	if err := VerifyPassword(acct.PasswordHash, password); err != nil {
		return Actor{}, ErrBadCredentials
	}
	return acct.Actor, nil
}
