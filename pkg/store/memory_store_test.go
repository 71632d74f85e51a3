package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/crypto"
	"github.com/NicolasHaas/hosorelay/pkg/datastore"
	"github.com/NicolasHaas/hosorelay/pkg/model"
	"github.com/NicolasHaas/hosorelay/pkg/store"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// withStores runs fn against the SQLite and the in-memory implementation.
func withStores(t *testing.T, fn func(t *testing.T, st datastore.DataProviderFactory)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		st, err := datastore.NewProviderFactory(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("NewProviderFactory: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, store.NewMemory())
	})
}

func TestStoreBasicFlow(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataProviderFactory) {
		ds := st.NonTx()

		hub := model.HubAccount{HubID: 1, PasswordHash: "h", Alias: "Home"}
		if err := ds.CreateHub(&hub); err != nil {
			t.Fatalf("CreateHub: unexpected error: %v", err)
		}
		user := model.UserAccount{Name: "johndoe", PasswordHash: "p", HubID: 1, Admin: true}
		if err := ds.CreateUser(&user); err != nil {
			t.Fatalf("CreateUser: unexpected error: %v", err)
		}
		if err := ds.CreateUser(&user); !errors.Is(err, datastore.ErrUserExists) {
			t.Fatalf("CreateUser: want ErrUserExists, got %v", err)
		}

		fetched, err := ds.GetUser("johndoe")
		if err != nil {
			t.Fatalf("GetUser: unexpected error: %v", err)
		}
		if diff := cmp.Diff(&user, fetched, cmpopts.IgnoreFields(model.UserAccount{}, "CreatedAt")); diff != "" {
			t.Fatalf("GetUser mismatch (-want +got):\n%s", diff)
		}

		raw, err := crypto.GenerateSessionKey()
		if err != nil {
			t.Fatalf("GenerateSessionKey: unexpected error: %v", err)
		}
		hash := crypto.HashToken(raw)
		if err := ds.CreateSessionKey("johndoe", hash); err != nil {
			t.Fatalf("CreateSessionKey: unexpected error: %v", err)
		}
		ok, err := ds.HasSessionKey("johndoe", hash)
		if err != nil || !ok {
			t.Fatalf("HasSessionKey: want true, got %t (%v)", ok, err)
		}
		ok, _ = ds.HasSessionKey("janedoe", hash)
		if ok {
			t.Fatalf("HasSessionKey: key must be bound to its owner")
		}

		n, err := ds.DeleteSessionKeys("johndoe")
		if err != nil || n != 1 {
			t.Fatalf("DeleteSessionKeys: want 1, got %d (%v)", n, err)
		}
	})
}

func TestStoreValidation(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataProviderFactory) {
		ds := st.NonTx()

		cases := map[string]error{
			"bad name":  ds.CreateUser(&model.UserAccount{Name: "a b", PasswordHash: "p", HubID: 1}),
			"bad hub":   ds.CreateUser(&model.UserAccount{Name: "ab", PasswordHash: "p"}),
			"bad alias": ds.CreateHub(&model.HubAccount{HubID: 1, PasswordHash: "p", Alias: " "}),
			"no secret": ds.CreateHub(&model.HubAccount{HubID: 1, Alias: "x"}),
			"no user":   ds.CreateSessionKey("ghost", "hash"),
		}
		for name, err := range cases {
			if err == nil {
				t.Errorf("%s: expected error, got nil", name)
			}
		}

		if err := ds.UpdateHub(&model.HubAccount{HubID: 9, PasswordHash: "p", Alias: "x"}); !errors.Is(err, datastore.ErrNotFound) {
			t.Errorf("UpdateHub: want ErrNotFound, got %v", err)
		}
	})
}

func TestStoreTransactions(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataProviderFactory) {
		ctx := context.Background()

		tx, err := st.Tx(ctx)
		if err != nil {
			t.Fatalf("Tx: %v", err)
		}
		if err := tx.CreateHub(&model.HubAccount{HubID: 5, PasswordHash: "p", Alias: "Garage"}); err != nil {
			t.Fatalf("CreateHub in tx: %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("Rollback: %v", err)
		}
		if h, _ := st.NonTx().GetHub(5); h != nil {
			t.Fatalf("GetHub: rolled back hub is visible")
		}

		tx, err = st.Tx(ctx)
		if err != nil {
			t.Fatalf("Tx: %v", err)
		}
		if err := tx.CreateHub(&model.HubAccount{HubID: 5, PasswordHash: "p", Alias: "Garage"}); err != nil {
			t.Fatalf("CreateHub in tx: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		hubs, err := st.NonTx().ListHubs()
		if err != nil {
			t.Fatalf("ListHubs: %v", err)
		}
		want := []model.HubAccount{{HubID: 5, PasswordHash: "p", Alias: "Garage"}}
		if diff := cmp.Diff(want, hubs, cmpopts.IgnoreFields(model.HubAccount{}, "CreatedAt")); diff != "" {
			t.Fatalf("ListHubs mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestMemoryClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemoryWithClock(func() time.Time { return fixed })

	u := model.UserAccount{Name: "johndoe", PasswordHash: "p", HubID: 1}
	if err := st.NonTx().CreateUser(&u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	got, err := st.NonTx().GetUser("johndoe")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !got.CreatedAt.Equal(fixed) {
		t.Fatalf("CreatedAt: want %v, got %v", fixed, got.CreatedAt)
	}
}
