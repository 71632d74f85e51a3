package client

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBookmarkStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.yaml")
	bs := NewBookmarkStoreAt(path)
	if err := bs.Load(); err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if len(bs.Bookmarks) != 0 {
		t.Fatalf("bookmarks = %v, want none", bs.Bookmarks)
	}

	home := Bookmark{Name: "home", Addr: "relay:9700", Username: "alice", SessionKey: "k1"}
	if !bs.Add(home) {
		t.Fatal("Add(home) reported an update")
	}
	home.SessionKey = "k2"
	if bs.Add(home) {
		t.Fatal("second Add(home) reported a new entry")
	}
	bs.Add(Bookmark{Name: "cabin", Addr: "relay:9701", Transport: TransportWS, Username: "alice"})
	if !bs.Touch("relay:9700", "alice", 1700000000) {
		t.Fatal("Touch missed an existing bookmark")
	}
	if err := bs.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewBookmarkStoreAt(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []Bookmark{
		{Name: "home", Addr: "relay:9700", Username: "alice", SessionKey: "k2", LastUsed: 1700000000},
		{Name: "cabin", Addr: "relay:9701", Transport: TransportWS, Username: "alice"},
	}
	if diff := cmp.Diff(want, loaded.Bookmarks); diff != "" {
		t.Fatalf("bookmarks mismatch (-want +got):\n%s", diff)
	}

	if b := loaded.Find("cabin"); b == nil || b.DialOptions(false).Transport != TransportWS {
		t.Fatalf("Find(cabin) = %+v", b)
	}
	if !loaded.Remove("cabin") || loaded.Find("cabin") != nil {
		t.Fatal("Remove(cabin) failed")
	}
}

func TestSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if diff := cmp.Diff(DefaultSettings(), LoadSettings(path)); diff != "" {
		t.Fatalf("missing file did not give defaults (-want +got):\n%s", diff)
	}

	s := DefaultSettings()
	s.Transport = TransportWS
	s.PingInterval = 10 * time.Second
	s.LastBookmark = "home"
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if diff := cmp.Diff(s, LoadSettings(path)); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}
