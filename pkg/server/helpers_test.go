package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/auth"
)

const waitTimeout = 2 * time.Second

// fakeConn is an in-memory Conn. The test plays the peer: it writes to in
// and reads what the server wrote from out.
type fakeConn struct {
	in        chan string
	out       chan string
	closed    chan struct{}
	closeOnce sync.Once
	timeout   atomic.Int64
	remote    string
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{
		in:     make(chan string, 64),
		out:    make(chan string, 512),
		closed: make(chan struct{}),
		remote: remote,
	}
}

func (c *fakeConn) ReadLine() (string, error) {
	var timer <-chan time.Time
	if d := time.Duration(c.timeout.Load()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case line := <-c.in:
		return line, nil
	case <-c.closed:
		return "", io.EOF
	case <-timer:
		return "", os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) WriteLine(line string) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- line:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *fakeConn) SetIdleTimeout(d time.Duration) error {
	c.timeout.Store(int64(d))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.remote }

func (c *fakeConn) send(line string) { c.in <- line }

func (c *fakeConn) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-c.out:
		return line
	case <-time.After(waitTimeout):
		t.Fatalf("%s: no line received within %s", c.remote, waitTimeout)
		return ""
	}
}

func (c *fakeConn) expect(t *testing.T, want string) {
	t.Helper()
	if got := c.next(t); got != want {
		t.Fatalf("%s: got line %q, want %q", c.remote, got, want)
	}
}

func (c *fakeConn) expectPrefix(t *testing.T, prefix string) string {
	t.Helper()
	got := c.next(t)
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("%s: got line %q, want prefix %q", c.remote, got, prefix)
	}
	return got
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case line := <-c.out:
		t.Fatalf("%s: unexpected line %q", c.remote, line)
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *fakeConn) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("%s: connection not closed within %s", c.remote, waitTimeout)
	}
}

// stubAuth is an in-memory auth.Provider with fixed accounts.
type stubAuth struct {
	mu         sync.Mutex
	users      map[string]stubUser
	hubs       map[int64]string
	keys       map[string]string // key -> user
	logouts    []string
	logoutAlls []string
}

type stubUser struct {
	password string
	grant    auth.Grant
}

func newStubAuth() *stubAuth {
	return &stubAuth{
		users: map[string]stubUser{
			"alice": {password: "secret", grant: auth.Grant{HubID: 7}},
			"bob":   {password: "secret", grant: auth.Grant{HubID: 7, Admin: true}},
			"carol": {password: "secret", grant: auth.Grant{HubID: 9}},
			"dave":  {password: "secret", grant: auth.Grant{HubID: 8}},
		},
		hubs: map[int64]string{7: "hubpw", 8: "hubpw", 9: "hubpw"},
		keys: map[string]string{},
	}
}

func (a *stubAuth) ManualLogin(_ context.Context, name, password, newKey string) (auth.Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[name]
	if !ok || u.password != password {
		return auth.Grant{}, auth.ErrInvalidCredentials
	}
	a.keys[newKey] = name
	return u.grant, nil
}

func (a *stubAuth) AutoLogin(_ context.Context, name, key string) (auth.Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keys[key] != name {
		return auth.Grant{}, auth.ErrInvalidSessionKey
	}
	return a.users[name].grant, nil
}

func (a *stubAuth) HubLogin(_ context.Context, hubID int64, password string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	pw, ok := a.hubs[hubID]
	return ok && pw == password
}

func (a *stubAuth) Logout(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
	a.logouts = append(a.logouts, key)
	return nil
}

func (a *stubAuth) LogoutAll(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, owner := range a.keys {
		if owner == name {
			delete(a.keys, k)
		}
	}
	a.logoutAlls = append(a.logoutAlls, name)
	return nil
}

func (a *stubAuth) recorded() (logouts, logoutAlls []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.logouts...), append([]string(nil), a.logoutAlls...)
}

// newTestServer returns a server with a running dispatcher and no
// listeners. Connections are attached with connect.
func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *stubAuth) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ListenAddr = ""
	cfg.WSAddr = ""
	cfg.MetricsAddr = ""
	cfg.LoginTimeout = waitTimeout
	cfg.IdleTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	a := newStubAuth()
	var n atomic.Int64
	srv := New(cfg, Dependencies{
		Auth: a,
		Keys: func() (string, error) { return fmt.Sprintf("key-%d", n.Add(1)), nil },
	})
	srv.startDispatcher()
	t.Cleanup(srv.Shutdown)
	return srv, a
}

var connSeq atomic.Int64

func connect(t *testing.T, srv *Server) *fakeConn {
	t.Helper()
	c := newFakeConn(fmt.Sprintf("peer-%d", connSeq.Add(1)))
	if !srv.trackConn() {
		t.Fatal("server is shutting down")
	}
	go func() {
		defer srv.wg.Done()
		srv.serveConn(c)
	}()
	return c
}

// sessionOf returns the registry id of the session served on c.
func sessionOf(t *testing.T, srv *Server, c *fakeConn) uint64 {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		for _, sess := range srv.registry.Sessions() {
			if sess.conn == Conn(c) {
				return sess.ID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: no registered session", c.remote)
	return 0
}

func loginHub(t *testing.T, srv *Server, hubID int64, alias string) *fakeConn {
	t.Helper()
	c := connect(t, srv)
	c.send(fmt.Sprintf("120::%d::hubpw::%s", hubID, alias))
	c.expect(t, fmt.Sprintf("121::%d::%s", hubID, alias))
	return c
}

// loginUser logs name in with its password. When hub is the user's
// connected hub, the synthesized gadget request is consumed from it.
func loginUser(t *testing.T, srv *Server, hub *fakeConn, name string) (*fakeConn, uint64) {
	t.Helper()
	c := connect(t, srv)
	c.send("101::" + name + "::secret")
	c.expectPrefix(t, "102::"+name+"::")
	sid := sessionOf(t, srv, c)
	if hub != nil {
		hub.expect(t, fmt.Sprintf("302::%d", sid))
	}
	return c, sid
}
