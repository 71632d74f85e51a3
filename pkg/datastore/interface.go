// Package datastore persists user and hub accounts and issued session keys.
package datastore

import (
	"context"
	"errors"

	"github.com/NicolasHaas/hosorelay/pkg/model"
)

var (
	ErrUserExists = errors.New("datastore: user already exists")
	ErrHubExists  = errors.New("datastore: hub already exists")
	ErrNotFound   = errors.New("datastore: not found")
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for relay accounts.
// Implementations include the default SQLite store and the in-memory store
// used by tests.
type DataStore interface {
	UserReadProvider
	UserWriteProvider

	HubReadProvider
	HubWriteProvider

	SessionKeyReadProvider
	SessionKeyWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type UserReadProvider interface {
	// GetUser returns (nil, nil) if no user has that name.
	GetUser(name string) (*model.UserAccount, error)
	ListUsers() ([]model.UserAccount, error)
}

type UserWriteProvider interface {
	CreateUser(user *model.UserAccount) error
	UpdateUser(user *model.UserAccount) error
	DeleteUser(name string) error
}

type HubReadProvider interface {
	// GetHub returns (nil, nil) if no hub has that id.
	GetHub(hubID int64) (*model.HubAccount, error)
	ListHubs() ([]model.HubAccount, error)
}

type HubWriteProvider interface {
	CreateHub(hub *model.HubAccount) error
	UpdateHub(hub *model.HubAccount) error
}

type SessionKeyReadProvider interface {
	HasSessionKey(name, keyHash string) (bool, error)
}

type SessionKeyWriteProvider interface {
	CreateSessionKey(name, keyHash string) error
	DeleteSessionKey(keyHash string) error
	DeleteSessionKeys(name string) (int64, error)
}
