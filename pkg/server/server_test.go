package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/model"

	"github.com/google/go-cmp/cmp"
)

func TestManualLoginSuccess(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")

	alice := connect(t, srv)
	alice.send("101::alice::secret")
	alice.expect(t, "102::alice::false::Home::key-1")

	sid := sessionOf(t, srv, alice)
	hub.expect(t, fmt.Sprintf("302::%d", sid))

	id, _, ok := srv.registry.Lookup(sid)
	if !ok {
		t.Fatalf("Lookup: session %d missing", sid)
	}
	want := model.User{SessionID: sid, HubID: 7, Name: "alice", SessionKey: "key-1"}
	if diff := cmp.Diff(model.Identity(want), id); diff != "" {
		t.Fatalf("identity mismatch (-want +got):\n%s", diff)
	}
}

func TestManualLoginFailure(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	c := connect(t, srv)
	c.send("101::alice::wrong")
	c.expect(t, "901::invalid name or password")
	c.expectClosed(t)

	waitForCount(t, srv, 0)
	if got := srv.metrics.SuccessfulAuths.Load(); got != 0 {
		t.Fatalf("SuccessfulAuths = %d, want 0", got)
	}
}

func TestInvalidFirstLine(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		line      string
		wantReply string
	}{
		"routed_command":   {line: "301", wantReply: "901::Invalid login format"},
		"wrong_arity":      {line: "101::alice", wantReply: "901::Invalid login format"},
		"unknown_code":     {line: "999::x", wantReply: "901::Invalid login format"},
		"bad_hub_id":       {line: "120::seven::hubpw::Home", wantReply: "901::Invalid login format"},
		"wrong_hub_secret": {line: "120::7::nope::Home", wantReply: "901::Hub login failed"},
		"no_code":          {line: "hello"},
		"short_code":       {line: "10::alice::secret"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newTestServer(t, nil)
			c := connect(t, srv)
			c.send(tc.line)
			if tc.wantReply != "" {
				c.expect(t, tc.wantReply)
			}
			c.expectClosed(t)
			waitForCount(t, srv, 0)
		})
	}
}

func TestGarbageAfterLoginClosesSession(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	alice, _ := loginUser(t, srv, hub, "alice")

	alice.send("garbage")
	alice.expectClosed(t)
	waitForCount(t, srv, 1)
}

func TestPing(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	c := connect(t, srv)
	c.send("ping")
	c.expect(t, "pong")
	c.send("120::7::hubpw::Home")
	c.expect(t, "121::7::Home")
	c.send("ping")
	c.expect(t, "pong")
}

func TestAutoLogin(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	loginUser(t, srv, hub, "alice") // issues key-1

	c := connect(t, srv)
	c.send("103::alice::key-1")
	c.expect(t, "104::alice::false::Home")
	hub.expectNothing(t)

	bad := connect(t, srv)
	bad.send("103::alice::key-9")
	bad.expect(t, "901::invalid session key")
	bad.expectClosed(t)
}

func TestDuplicateHubReject(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	first := loginHub(t, srv, 7, "Home")
	alice, _ := loginUser(t, srv, first, "alice")

	second := connect(t, srv)
	second.send("120::7::hubpw::Intruder")
	second.expect(t, "901::Hub already connected")
	second.expectClosed(t)

	hub, _, ok := srv.registry.HubByID(7)
	if !ok || hub.Alias != "Home" {
		t.Fatalf("HubByID(7) = %+v, %t; want the first hub", hub, ok)
	}
	first.send("315::42::1")
	alice.expect(t, "316::42::1")
}

func TestDuplicateHubReplace(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, func(c *Config) { c.DuplicateHubPolicy = DuplicateHubReplace })
	first := loginHub(t, srv, 7, "Home")
	alice, _ := loginUser(t, srv, first, "alice")

	second := loginHub(t, srv, 7, "Home v2")
	first.expect(t, "901::Replaced by a new hub connection")
	first.expectClosed(t)

	hub, _, ok := srv.registry.HubByID(7)
	if !ok || hub.Alias != "Home v2" {
		t.Fatalf("HubByID(7) = %+v, %t; want the second hub", hub, ok)
	}
	counts := srv.registry.KindCounts()
	if counts[model.KindHub] != 1 {
		t.Fatalf("hub count = %d, want 1", counts[model.KindHub])
	}

	alice.send("301")
	second.expect(t, fmt.Sprintf("302::%d", sessionOf(t, srv, alice)))
	if got := srv.metrics.ActiveConnections.Load(); got != 2 {
		t.Fatalf("ActiveConnections = %d, want 2", got)
	}
}

func TestGadgetRequestRoundTrip(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	alice, aliceSID := loginUser(t, srv, hub, "alice")
	bob, _ := loginUser(t, srv, hub, "bob")

	alice.send("301")
	hub.expect(t, fmt.Sprintf("302::%d", aliceSID))
	hub.expectNothing(t)
	alice.expectNothing(t)
	bob.expectNothing(t)

	hub.send(fmt.Sprintf("303::%d::2::g1;Lamp;0::g2;Heater;1", aliceSID))
	alice.expect(t, "304::2::g1;Lamp;0::g2;Heater;1")
	bob.expectNothing(t)
}

func TestStateChangeBroadcast(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub7 := loginHub(t, srv, 7, "Home")
	hub9 := loginHub(t, srv, 9, "Cabin")
	alice, _ := loginUser(t, srv, hub7, "alice")
	bob, _ := loginUser(t, srv, hub7, "bob")
	carol, _ := loginUser(t, srv, hub9, "carol")

	hub7.send("315::42::1")
	alice.expect(t, "316::42::1")
	bob.expect(t, "316::42::1")
	carol.expectNothing(t)
	hub7.expectNothing(t)
	hub9.expectNothing(t)
}

func TestGadgetFoundBroadcast(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub7 := loginHub(t, srv, 7, "Home")
	hub9 := loginHub(t, srv, 9, "Cabin")
	alice, _ := loginUser(t, srv, hub7, "alice")
	bob, _ := loginUser(t, srv, hub7, "bob")
	carol, _ := loginUser(t, srv, hub9, "carol")

	hub7.send("351::42::Lamp::light")
	alice.expect(t, "352::42::Lamp::light")
	bob.expect(t, "352::42::Lamp::light")
	carol.expectNothing(t)

	hub7.send("353::42")
	alice.expect(t, "354::42")
	bob.expect(t, "354::42")
	carol.expectNothing(t)
}

func TestHubGoneAfterLogin(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	alice, _ := loginUser(t, srv, hub, "alice")

	_ = hub.Close()
	deadline := time.Now().Add(waitTimeout)
	for {
		if _, _, online := srv.registry.HubByID(7); !online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hub 7 still registered after its connection closed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	alice.send("301")
	alice.expect(t, "901::Hub not connected")
	alice.send("311::42::1")
	alice.expect(t, "901::Hub not connected")

	// The user stays connected and can retry once the hub is back.
	hub2 := loginHub(t, srv, 7, "Home")
	alice.send("370")
	hub2.expect(t, fmt.Sprintf("371::%d", sessionOf(t, srv, alice)))
}

func TestHubOfflineAtLogin(t *testing.T) {
	t.Parallel()
	srv, a := newTestServer(t, nil)

	dave := connect(t, srv)
	dave.send("101::dave::secret")
	dave.expect(t, "901::Hub not connected")
	dave.expectClosed(t)

	logouts, _ := a.recorded()
	if diff := cmp.Diff([]string{"key-1"}, logouts); diff != "" {
		t.Fatalf("unused key not revoked (-want +got):\n%s", diff)
	}
	waitForCount(t, srv, 0)
}

func TestHubOfflineAtLoginPermissive(t *testing.T) {
	t.Parallel()
	srv, a := newTestServer(t, func(c *Config) { c.RequireHubOnline = false })

	dave := connect(t, srv)
	dave.send("101::dave::secret")
	dave.expect(t, "102::dave::false::::key-1")
	dave.expectNothing(t)

	dave.send("301")
	dave.expect(t, "901::Hub not connected")

	logouts, _ := a.recorded()
	if len(logouts) != 0 {
		t.Fatalf("key revoked in permissive mode: %v", logouts)
	}
}

func TestHubReplyAddressing(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub7 := loginHub(t, srv, 7, "Home")
	hub9 := loginHub(t, srv, 9, "Cabin")
	alice, aliceSID := loginUser(t, srv, hub7, "alice")
	carol, carolSID := loginUser(t, srv, hub9, "carol")

	hub7.send(fmt.Sprintf("372::%d::Kitchen;g1;g2::Garden", aliceSID))
	alice.expect(t, "373::Kitchen;g1;g2::Garden")

	hub7.send(fmt.Sprintf("372::%d::Kitchen", carolSID))
	hub7.expect(t, "901::Target not found")
	carol.expectNothing(t)

	hub7.send(fmt.Sprintf("372::%d::Kitchen", sessionOf(t, srv, hub9)))
	hub7.expect(t, "901::Target not found")

	hub7.send("372::not-a-session::Kitchen")
	hub7.expect(t, "901::Invalid format")
}

func TestCommandChecks(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	alice, _ := loginUser(t, srv, hub, "alice")
	bob, bobSID := loginUser(t, srv, hub, "bob")

	tests := []struct {
		name  string
		conn  *fakeConn
		line  string
		reply string
	}{
		{"non_admin_edit", alice, "401::42::Desk lamp", "901::Permission denied"},
		{"user_sends_hub_code", alice, "315::42::1", "901::Permission denied"},
		{"hub_sends_user_code", hub, "301", "901::Permission denied"},
		{"login_after_login", alice, "101::alice::secret", "901::Already logged in"},
		{"hub_login_after_login", hub, "120::7::hubpw::Home", "901::Already logged in"},
		{"wrong_arity", alice, "311::42", "901::Invalid format"},
		{"unknown_code", alice, "999", "901::Invalid format"},
	}
	for _, tc := range tests {
		tc.conn.send(tc.line)
		if got := tc.conn.next(t); got != tc.reply {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.reply)
		}
	}

	// Errors are answered and the session keeps working.
	alice.send("ping")
	alice.expect(t, "pong")
	hub.expectNothing(t)

	bob.send("401::42::Desk lamp")
	hub.expect(t, fmt.Sprintf("402::%d::42::Desk lamp", bobSID))
	bob.send("410::Kitchen::g1::g2")
	hub.expect(t, fmt.Sprintf("411::%d::Kitchen::g1::g2", bobSID))

	hub.send("403::42::Desk lamp")
	alice.expect(t, "404::42::Desk lamp")
	bob.expect(t, "404::42::Desk lamp")
}

func TestStateRequestAndGroups(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	alice, sid := loginUser(t, srv, hub, "alice")

	alice.send("311::42::1")
	hub.expect(t, fmt.Sprintf("312::%d::42::1", sid))

	alice.send("370")
	hub.expect(t, fmt.Sprintf("371::%d", sid))
}

func TestLogoutDoesNotFallThrough(t *testing.T) {
	t.Parallel()
	srv, a := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	alice, _ := loginUser(t, srv, hub, "alice")

	alice.send("105")
	alice.expect(t, "107")
	alice.expectClosed(t)
	alice.expectNothing(t)
	hub.expectNothing(t)

	logouts, logoutAlls := a.recorded()
	if diff := cmp.Diff([]string{"key-1"}, logouts); diff != "" {
		t.Fatalf("Logout calls mismatch (-want +got):\n%s", diff)
	}
	if len(logoutAlls) != 0 {
		t.Fatalf("LogoutAll called: %v", logoutAlls)
	}
	waitForCount(t, srv, 1)
}

func TestLogoutAll(t *testing.T) {
	t.Parallel()
	srv, a := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	phone, _ := loginUser(t, srv, hub, "alice")
	tablet, _ := loginUser(t, srv, hub, "alice")
	bob, _ := loginUser(t, srv, hub, "bob")

	phone.send("106")
	phone.expect(t, "107")
	tablet.expect(t, "107")
	phone.expectClosed(t)
	tablet.expectClosed(t)
	bob.expectNothing(t)

	_, logoutAlls := a.recorded()
	if diff := cmp.Diff([]string{"alice"}, logoutAlls); diff != "" {
		t.Fatalf("LogoutAll calls mismatch (-want +got):\n%s", diff)
	}
	waitForCount(t, srv, 2)
}

func TestLocationReports(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	alice, _ := loginUser(t, srv, hub, "alice")

	alice.send("503::59.91::10.75")
	hub.expect(t, "502::alice::59.91::10.75")

	device := connect(t, srv)
	device.send("501::alice::key-1::59.92::10.76")
	hub.expect(t, "502::alice::59.92::10.76")
	device.expectClosed(t)

	stranger := connect(t, srv)
	stranger.send("501::alice::stolen::0::0")
	stranger.expect(t, "901::invalid session key")
	stranger.expectClosed(t)
	hub.expectNothing(t)
}

func TestConnectionLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, func(c *Config) { c.MaxClients = 1 })

	first := connect(t, srv)
	sessionOf(t, srv, first)

	second := connect(t, srv)
	second.expect(t, "901::Server full")
	second.expectClosed(t)

	if got := srv.registry.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
	if got := srv.metrics.RejectedConnections.Load(); got != 1 {
		t.Fatalf("RejectedConnections = %d, want 1", got)
	}
}

func TestLoginTimeout(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, func(c *Config) { c.LoginTimeout = 200 * time.Millisecond })

	c := connect(t, srv)
	sessionOf(t, srv, c)

	// Keep-alives do not extend the login window.
	for i := 0; i < 20; i++ {
		c.send("ping")
		select {
		case <-c.closed:
			waitForCount(t, srv, 0)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("session still open after 1s of pings without login")
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, func(c *Config) { c.IdleTimeout = 150 * time.Millisecond })
	hub := loginHub(t, srv, 7, "Home")

	for i := 0; i < 3; i++ {
		time.Sleep(75 * time.Millisecond)
		hub.send("ping")
		hub.expect(t, "pong")
	}
	hub.expectClosed(t)
}

func TestShutdownClosesSessions(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	hub := loginHub(t, srv, 7, "Home")
	alice, _ := loginUser(t, srv, hub, "alice")
	anon := connect(t, srv)
	sessionOf(t, srv, anon)

	srv.Shutdown()

	for _, c := range []*fakeConn{hub, alice, anon} {
		c.expect(t, "901::Server shutting down")
		c.expectClosed(t)
	}
	if got := srv.registry.Count(); got != 0 {
		t.Fatalf("Count after shutdown = %d, want 0", got)
	}
}

func TestNoConnectionsAfterShutdown(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	srv.Shutdown()

	if srv.trackConn() {
		srv.wg.Done()
		t.Fatal("connection tracked after shutdown")
	}

	// A connection admitted before the closing flag must not outlive it.
	c := newFakeConn("late")
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.serveConn(c)
	}()
	c.expectClosed(t)
	if got := srv.registry.Count(); got != 0 {
		t.Fatalf("Count after shutdown = %d, want 0", got)
	}
}

func waitForCount(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if srv.registry.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry count = %d, want %d", srv.registry.Count(), want)
}
