// Package auth verifies user and hub credentials and manages the session
// keys that let a user device log in again without its password.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/hosorelay/pkg/crypto"
	"github.com/NicolasHaas/hosorelay/pkg/datastore"
)

// Rejection reasons. Their messages are sent to the peer verbatim.
var (
	ErrInvalidCredentials = errors.New("invalid name or password")
	ErrInvalidSessionKey  = errors.New("invalid session key")
)

// Grant is what a successful user login yields.
type Grant struct {
	HubID int64
	Admin bool
}

// Provider is consulted by the relay for every login and logout.
type Provider interface {
	// ManualLogin checks name and password and, on success, records newKey
	// as a valid session key for name.
	ManualLogin(ctx context.Context, name, password, newKey string) (Grant, error)
	// AutoLogin checks a session key previously issued by ManualLogin.
	AutoLogin(ctx context.Context, name, key string) (Grant, error)
	// HubLogin never returns a reason; a false result is a rejection.
	HubLogin(ctx context.Context, hubID int64, password string) bool
	// Logout revokes a single session key.
	Logout(ctx context.Context, key string) error
	// LogoutAll revokes every session key of name.
	LogoutAll(ctx context.Context, name string) error
}

// KeyGenerator mints a new opaque session key.
type KeyGenerator func() (string, error)

// DefaultKeyGenerator returns 256 random bits, hex encoded.
var DefaultKeyGenerator KeyGenerator = crypto.GenerateSessionKey

// StoreProvider is a Provider backed by the account datastore. Passwords are
// stored as argon2id hashes and session keys as SHA-256 digests.
type StoreProvider struct {
	store datastore.DataProviderFactory
}

var _ Provider = (*StoreProvider)(nil)

// NewStoreProvider creates a Provider that reads accounts from st.
func NewStoreProvider(st datastore.DataProviderFactory) *StoreProvider {
	return &StoreProvider{store: st}
}

func (p *StoreProvider) ManualLogin(ctx context.Context, name, password, newKey string) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, fmt.Errorf("auth: manual login: %w", err)
	}
	user, err := p.store.NonTx().GetUser(name)
	if err != nil {
		return Grant{}, fmt.Errorf("auth: manual login: %w", err)
	}
	if user == nil {
		return Grant{}, ErrInvalidCredentials
	}
	ok, err := crypto.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		slog.Warn("stored password hash unreadable", "user", name, "err", err)
		return Grant{}, ErrInvalidCredentials
	}
	if !ok {
		return Grant{}, ErrInvalidCredentials
	}

	tx, err := p.store.Tx(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("auth: store session key: %w", err)
	}
	if err := tx.CreateSessionKey(name, crypto.HashToken(newKey)); err != nil {
		_ = tx.Rollback()
		return Grant{}, fmt.Errorf("auth: store session key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Grant{}, fmt.Errorf("auth: store session key: %w", err)
	}
	return Grant{HubID: user.HubID, Admin: user.Admin}, nil
}

func (p *StoreProvider) AutoLogin(ctx context.Context, name, key string) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, fmt.Errorf("auth: auto login: %w", err)
	}
	if key == "" {
		return Grant{}, ErrInvalidSessionKey
	}
	user, err := p.store.NonTx().GetUser(name)
	if err != nil {
		return Grant{}, fmt.Errorf("auth: auto login: %w", err)
	}
	if user == nil {
		return Grant{}, ErrInvalidSessionKey
	}
	ok, err := p.store.NonTx().HasSessionKey(name, crypto.HashToken(key))
	if err != nil {
		return Grant{}, fmt.Errorf("auth: auto login: %w", err)
	}
	if !ok {
		return Grant{}, ErrInvalidSessionKey
	}
	return Grant{HubID: user.HubID, Admin: user.Admin}, nil
}

func (p *StoreProvider) HubLogin(ctx context.Context, hubID int64, password string) bool {
	if ctx.Err() != nil {
		return false
	}
	hub, err := p.store.NonTx().GetHub(hubID)
	if err != nil {
		slog.Error("hub lookup failed", "hub", hubID, "err", err)
		return false
	}
	if hub == nil {
		return false
	}
	ok, err := crypto.VerifyPassword(password, hub.PasswordHash)
	if err != nil {
		slog.Warn("stored hub hash unreadable", "hub", hubID, "err", err)
		return false
	}
	return ok
}

func (p *StoreProvider) Logout(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	if err := p.store.NonTx().DeleteSessionKey(crypto.HashToken(key)); err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	return nil
}

func (p *StoreProvider) LogoutAll(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("auth: logout all: %w", err)
	}
	tx, err := p.store.Tx(ctx)
	if err != nil {
		return fmt.Errorf("auth: logout all: %w", err)
	}
	n, err := tx.DeleteSessionKeys(name)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("auth: logout all: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("auth: logout all: %w", err)
	}
	slog.Debug("session keys revoked", "user", name, "count", n)
	return nil
}
