package client

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/protocol"
)

// State represents the engine's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Credentials select the login performed by Connect. A non-empty
// SessionKey uses automatic login; otherwise Password is sent.
type Credentials struct {
	Name       string
	Password   string
	SessionKey string
}

// Engine is a logged-in user connection. It decodes relay events into
// callbacks and exposes the user commands as methods.
type Engine struct {
	mu sync.RWMutex

	state      State
	username   string
	admin      bool
	hubAlias   string
	sessionKey string

	client       *Client
	pingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// Callbacks for relay events
	OnStateChange func(state State)
	OnGadgets     func(count int, gadgets []string)
	OnGadgetState func(gadgetID, state string)
	OnGadgetNew   func(fields []string)
	OnGadgetGone  func(gadgetID string)
	OnGroups      func(groups []string)
	OnAlias       func(gadgetID, alias string)
	OnError       func(err error)
	OnDisconnect  func(reason string)
	OnLine        func(line string) // lines with no dedicated callback
}

// NewEngine creates an engine that pings the relay every pingInterval
// while connected. Zero disables pings.
func NewEngine(pingInterval time.Duration) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		state:        StateDisconnected,
		pingInterval: pingInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Connect dials the relay and logs in.
func (e *Engine) Connect(ctx context.Context, opts DialOptions, creds Credentials) (*LoginResult, error) {
	e.mu.Lock()
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return nil, fmt.Errorf("already connected")
	}
	e.state = StateConnecting
	e.mu.Unlock()

	e.notifyStateChange(StateConnecting)

	c, err := Dial(ctx, opts)
	if err != nil {
		e.setState(StateDisconnected)
		return nil, err
	}

	var res *LoginResult
	if creds.SessionKey != "" {
		res, err = c.AutoLogin(creds.Name, creds.SessionKey)
	} else {
		res, err = c.Login(creds.Name, creds.Password)
	}
	if err != nil {
		_ = c.Close()
		e.setState(StateDisconnected)
		return nil, err
	}

	slog.Info("logged in", "user", res.Name, "admin", res.Admin, "hub", res.HubAlias)

	e.mu.Lock()
	e.client = c
	e.username = res.Name
	e.admin = res.Admin
	e.hubAlias = res.HubAlias
	e.sessionKey = res.SessionKey
	e.state = StateConnected
	runCtx := e.ctx
	e.mu.Unlock()

	c.SetLineHandler(e.handleLine)
	c.StartReceiving()
	e.notifyStateChange(StateConnected)

	if e.pingInterval > 0 {
		go e.pingLoop(runCtx, c)
	}

	// Monitor for disconnect
	go func() {
		<-c.Done()
		e.handleDisconnect("connection lost")
	}()

	return res, nil
}

func (e *Engine) pingLoop(ctx context.Context, c *Client) {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				slog.Debug("ping failed", "err", err)
				return
			}
		}
	}
}

// handleLine decodes one relay line.
func (e *Engine) handleLine(line string) {
	if line == protocol.Pong {
		return
	}
	f, err := protocol.Parse(line)
	if err != nil {
		slog.Debug("unparsable line from relay", "line", line)
		return
	}

	switch {
	case f.Code == protocol.CodeGadgetsData && len(f.Args) >= 1:
		count, err := strconv.Atoi(f.Args[0])
		if err != nil {
			slog.Debug("bad gadget count", "line", line)
			return
		}
		if e.OnGadgets != nil {
			e.OnGadgets(count, f.Args[1:])
		}

	case f.Code == protocol.CodeStateUpdate && len(f.Args) == 2:
		if e.OnGadgetState != nil {
			e.OnGadgetState(f.Args[0], f.Args[1])
		}

	case f.Code == protocol.CodeGadgetNew:
		if e.OnGadgetNew != nil {
			e.OnGadgetNew(f.Args)
		}

	case f.Code == protocol.CodeGadgetGone && len(f.Args) == 1:
		if e.OnGadgetGone != nil {
			e.OnGadgetGone(f.Args[0])
		}

	case f.Code == protocol.CodeGroupsData:
		if e.OnGroups != nil {
			e.OnGroups(f.Args)
		}

	case f.Code == protocol.CodeAliasUpdate && len(f.Args) == 2:
		if e.OnAlias != nil {
			e.OnAlias(f.Args[0], f.Args[1])
		}

	case f.Code == protocol.CodeLogoutOK:
		e.handleDisconnect("logged out")

	case f.Code == protocol.CodeError:
		reason := strings.Join(f.Args, protocol.Delimiter)
		slog.Warn("relay error", "reason", reason)
		if e.OnError != nil {
			e.OnError(&ServerError{Reason: reason})
		}

	default:
		if e.OnLine != nil {
			e.OnLine(line)
		}
	}
}

func (e *Engine) send(code protocol.Code, args ...string) error {
	e.mu.RLock()
	c := e.client
	e.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("not connected")
	}
	return c.SendFrame(code, args...)
}

// RequestGadgets asks the hub for its gadget list.
func (e *Engine) RequestGadgets() error {
	return e.send(protocol.CodeRequestGadgets)
}

// RequestState asks the hub to set a gadget's state.
func (e *Engine) RequestState(gadgetID, state string) error {
	return e.send(protocol.CodeRequestState, gadgetID, state)
}

// RequestGroups asks the hub for its gadget groups.
func (e *Engine) RequestGroups() error {
	return e.send(protocol.CodeRequestGroups)
}

// EditAlias renames a gadget. Admin only.
func (e *Engine) EditAlias(gadgetID, alias string) error {
	return e.send(protocol.CodeEditAlias, gadgetID, alias)
}

// EditGroup replaces a group's members. A group without members is
// deleted. Admin only.
func (e *Engine) EditGroup(group string, members ...string) error {
	return e.send(protocol.CodeEditGroup, append([]string{group}, members...)...)
}

// ReportLocation sends the device location to the hub.
func (e *Engine) ReportLocation(location ...string) error {
	if len(location) == 0 {
		return fmt.Errorf("empty location")
	}
	return e.send(protocol.CodeReportLocation, location...)
}

// Logout revokes this connection's session key. The relay closes the
// connection after confirming.
func (e *Engine) Logout() error {
	return e.send(protocol.CodeLogout)
}

// LogoutAll revokes every session key of the user and closes all of the
// user's connections.
func (e *Engine) LogoutAll() error {
	return e.send(protocol.CodeLogoutAll)
}

// Disconnect closes the connection without logging out.
func (e *Engine) Disconnect() {
	e.handleDisconnect("user disconnected")
}

// GetState returns the current connection state.
func (e *Engine) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetUsername returns the logged-in user name.
func (e *Engine) GetUsername() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.username
}

// IsAdmin reports whether the user is an admin of its hub.
func (e *Engine) IsAdmin() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.admin
}

// GetHubAlias returns the hub alias reported at login.
func (e *Engine) GetHubAlias() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hubAlias
}

// GetSessionKey returns the key for automatic login.
func (e *Engine) GetSessionKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionKey
}

func (e *Engine) handleDisconnect(reason string) {
	e.mu.Lock()
	if e.state == StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	c := e.client
	e.client = nil
	e.cancel()
	// Reset context for reconnection
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}

	slog.Info("disconnected", "reason", reason)
	e.notifyStateChange(StateDisconnected)
	if e.OnDisconnect != nil {
		e.OnDisconnect(reason)
	}
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.notifyStateChange(state)
}

func (e *Engine) notifyStateChange(state State) {
	if e.OnStateChange != nil {
		e.OnStateChange(state)
	}
}
