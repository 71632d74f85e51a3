package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/NicolasHaas/hosorelay/pkg/crypto"
	"github.com/NicolasHaas/hosorelay/pkg/datastore"
	"github.com/NicolasHaas/hosorelay/pkg/model"
	"gopkg.in/yaml.v3"
)

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing from
// the file keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// HubYAML represents a hub account in YAML.
type HubYAML struct {
	ID           int64  `yaml:"id"`
	Alias        string `yaml:"alias"`
	Password     string `yaml:"password,omitempty"`      // plain text, hashed on import
	PasswordHash string `yaml:"password_hash,omitempty"` // used as-is
	CreatedAt    string `yaml:"created_at,omitempty"`
}

// UserYAML represents a user account in YAML.
type UserYAML struct {
	Name         string `yaml:"name"`
	Hub          int64  `yaml:"hub"`
	Admin        bool   `yaml:"admin,omitempty"`
	Password     string `yaml:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"`
	CreatedAt    string `yaml:"created_at,omitempty"`
}

// AccountsConfig is the top-level YAML for account provisioning and export.
type AccountsConfig struct {
	Hubs  []HubYAML  `yaml:"hubs"`
	Users []UserYAML `yaml:"users"`
}

// LoadAccountsFromYAML reads an accounts YAML file and creates or updates
// the listed hubs and users.
func LoadAccountsFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read accounts config: %w", err)
	}
	return ImportAccountsFromYAML(ctx, data, st)
}

// ImportAccountsFromYAML parses YAML data and applies it in one transaction.
// Either every account is written or none is.
func ImportAccountsFromYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory) error {
	var cfg AccountsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse accounts config: %w", err)
	}

	tx, err := st.Tx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, h := range cfg.Hubs {
		if err := ensureHub(tx, h); err != nil {
			return fmt.Errorf("hub %d: %w", h.ID, err)
		}
	}
	for _, u := range cfg.Users {
		if err := ensureUser(tx, u); err != nil {
			return fmt.Errorf("user %q: %w", u.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accounts: %w", err)
	}
	committed = true
	slog.Info("imported accounts from YAML", "hubs", len(cfg.Hubs), "users", len(cfg.Users))
	return nil
}

func passwordHash(plain, hash string) (string, error) {
	if hash != "" {
		return hash, nil
	}
	if plain == "" {
		return "", model.ErrPasswordEmpty
	}
	return crypto.HashPassword(plain)
}

func ensureHub(ds datastore.DataStore, h HubYAML) error {
	hash, err := passwordHash(h.Password, h.PasswordHash)
	if err != nil {
		return err
	}
	existing, err := ds.GetHub(h.ID)
	if err != nil {
		return err
	}
	account := &model.HubAccount{HubID: h.ID, PasswordHash: hash, Alias: h.Alias}
	if existing != nil {
		return ds.UpdateHub(account)
	}
	if err := ds.CreateHub(account); err != nil {
		return err
	}
	slog.Debug("created hub from config", "hub", h.ID, "alias", h.Alias)
	return nil
}

func ensureUser(ds datastore.DataStore, u UserYAML) error {
	hash, err := passwordHash(u.Password, u.PasswordHash)
	if err != nil {
		return err
	}
	existing, err := ds.GetUser(u.Name)
	if err != nil {
		return err
	}
	account := &model.UserAccount{Name: u.Name, PasswordHash: hash, HubID: u.Hub, Admin: u.Admin}
	if existing != nil {
		return ds.UpdateUser(account)
	}
	if err := ds.CreateUser(account); err != nil {
		return err
	}
	slog.Debug("created user from config", "user", u.Name, "hub", u.Hub)
	return nil
}

// ExportAccountsYAML exports all hubs and users as YAML. Only password hashes
// are written, so the output can be imported again as is.
func ExportAccountsYAML(st datastore.DataProviderFactory) ([]byte, error) {
	hubs, err := st.NonTx().ListHubs()
	if err != nil {
		return nil, err
	}
	users, err := st.NonTx().ListUsers()
	if err != nil {
		return nil, err
	}

	export := AccountsConfig{}
	for _, h := range hubs {
		export.Hubs = append(export.Hubs, HubYAML{
			ID:           h.HubID,
			Alias:        h.Alias,
			PasswordHash: h.PasswordHash,
			CreatedAt:    h.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			Name:         u.Name,
			Hub:          u.HubID,
			Admin:        u.Admin,
			PasswordHash: u.PasswordHash,
			CreatedAt:    u.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
