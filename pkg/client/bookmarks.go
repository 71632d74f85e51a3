package client

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Bookmark represents a saved relay login.
type Bookmark struct {
	Name       string    `yaml:"name"`
	Addr       string    `yaml:"addr"`
	Transport  Transport `yaml:"transport,omitempty"`
	WSPath     string    `yaml:"ws_path,omitempty"`
	Username   string    `yaml:"username"`
	SessionKey string    `yaml:"session_key,omitempty"`
	LastUsed   int64     `yaml:"last_used,omitempty"`
}

// DialOptions returns the dial settings stored in the bookmark.
func (b Bookmark) DialOptions(insecure bool) DialOptions {
	return DialOptions{
		Addr:               b.Addr,
		Transport:          b.Transport,
		WSPath:             b.WSPath,
		InsecureSkipVerify: insecure,
	}
}

// BookmarkStore manages relay bookmarks in a YAML file.
type BookmarkStore struct {
	path      string
	Bookmarks []Bookmark `yaml:"bookmarks"`
}

// NewBookmarkStore creates a bookmark store using a file next to the executable.
func NewBookmarkStore() *BookmarkStore {
	exePath, err := os.Executable()
	if err != nil {
		exePath = "."
	}
	return NewBookmarkStoreAt(filepath.Join(filepath.Dir(exePath), "relays.yaml"))
}

// NewBookmarkStoreAt creates a bookmark store backed by path.
func NewBookmarkStoreAt(path string) *BookmarkStore {
	return &BookmarkStore{path: path}
}

// Load reads bookmarks from disk. Returns empty list if file doesn't exist.
func (bs *BookmarkStore) Load() error {
	data, err := os.ReadFile(bs.path)
	if err != nil {
		if os.IsNotExist(err) {
			bs.Bookmarks = nil
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, bs)
}

// Save writes bookmarks to disk.
func (bs *BookmarkStore) Save() error {
	data, err := yaml.Marshal(bs)
	if err != nil {
		return err
	}
	return os.WriteFile(bs.path, data, 0600)
}

// Add adds or updates a bookmark. Returns true if it was a new entry.
func (bs *BookmarkStore) Add(b Bookmark) bool {
	for i, existing := range bs.Bookmarks {
		if existing.Addr == b.Addr && existing.Username == b.Username {
			bs.Bookmarks[i] = b
			return false
		}
	}
	bs.Bookmarks = append(bs.Bookmarks, b)
	return true
}

// Remove deletes the bookmark with the given name.
func (bs *BookmarkStore) Remove(name string) bool {
	for i, b := range bs.Bookmarks {
		if b.Name == name {
			bs.Bookmarks = append(bs.Bookmarks[:i], bs.Bookmarks[i+1:]...)
			return true
		}
	}
	return false
}

// Touch updates LastUsed for an existing bookmark.
func (bs *BookmarkStore) Touch(addr, username string, ts int64) bool {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].Addr == addr && bs.Bookmarks[i].Username == username {
			bs.Bookmarks[i].LastUsed = ts
			return true
		}
	}
	return false
}

// Find returns the bookmark with the given name, or nil.
func (bs *BookmarkStore) Find(name string) *Bookmark {
	for _, b := range bs.Bookmarks {
		if b.Name == name {
			return &b
		}
	}
	return nil
}
