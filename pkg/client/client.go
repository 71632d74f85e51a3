// Package client implements a hosorelay line protocol client over TCP, TLS
// or websocket.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/hosorelay/pkg/protocol"
)

// Transport selects how Dial reaches the relay.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
	TransportWS  Transport = "ws"
)

// DefaultWSPath is the websocket endpoint path the relay serves by default.
const DefaultWSPath = "/homesome"

const writeTimeout = 10 * time.Second

// ServerError is a 901 rejection received from the relay.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return "client: server error: " + e.Reason
}

// DialOptions configures Dial.
type DialOptions struct {
	Addr      string
	Transport Transport // defaults to TransportTCP
	WSPath    string    // websocket only, defaults to DefaultWSPath
	// InsecureSkipVerify accepts the relay's self-signed certificate.
	InsecureSkipVerify bool
}

// LineHandler is a callback for incoming lines.
type LineHandler func(line string)

type lineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
}

// Client is one connection to the relay.
type Client struct {
	conn    lineConn
	mu      sync.Mutex
	handler LineHandler
	done    chan struct{}
}

// Dial connects to the relay.
func Dial(ctx context.Context, opts DialOptions) (*Client, error) {
	var (
		conn lineConn
		err  error
	)
	switch opts.Transport {
	case "", TransportTCP:
		conn, err = dialStream(ctx, opts.Addr, nil)
	case TransportTLS:
		conn, err = dialStream(ctx, opts.Addr, &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // self-signed relay certs
			MinVersion:         tls.VersionTLS12,
		})
	case TransportWS:
		conn, err = dialWS(ctx, opts.Addr, opts.WSPath)
	default:
		return nil, fmt.Errorf("client: unknown transport %q", opts.Transport)
	}
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, done: make(chan struct{})}, nil
}

// SetLineHandler sets the callback used by StartReceiving.
func (c *Client) SetLineHandler(handler LineHandler) {
	c.handler = handler
}

// Send writes one raw line.
func (c *Client) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteLine(line)
}

// SendFrame writes a frame built from code and args.
func (c *Client) SendFrame(code protocol.Code, args ...string) error {
	return c.Send(protocol.Line(code, args...))
}

// Ping sends a keep-alive line.
func (c *Client) Ping() error {
	return c.Send(protocol.Ping)
}

// ReadLine reads the next line. It must not be used after StartReceiving.
func (c *Client) ReadLine() (string, error) {
	return c.conn.ReadLine()
}

// expect reads until a frame with code want arrives. Pongs are skipped and
// a 901 line is returned as a *ServerError.
func (c *Client) expect(want protocol.Code) (protocol.Frame, error) {
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			return protocol.Frame{}, fmt.Errorf("client: read reply: %w", err)
		}
		if line == protocol.Pong {
			continue
		}
		f, err := protocol.Parse(line)
		if err != nil {
			return protocol.Frame{}, fmt.Errorf("client: unexpected line %q", line)
		}
		switch f.Code {
		case protocol.CodeError:
			return protocol.Frame{}, &ServerError{Reason: strings.Join(f.Args, protocol.Delimiter)}
		case want:
			return f, nil
		default:
			slog.Debug("skipping line while waiting for reply", "want", want.String(), "line", line)
		}
	}
}

// LoginResult is the relay's answer to a successful user login.
type LoginResult struct {
	Name       string
	Admin      bool
	HubAlias   string // empty while the hub is offline
	SessionKey string // set by manual login only
}

// Login performs a manual login with name and password. The returned
// session key can be used for AutoLogin on later connections.
func (c *Client) Login(name, password string) (*LoginResult, error) {
	if err := c.SendFrame(protocol.CodeManualLogin, name, password); err != nil {
		return nil, fmt.Errorf("client: send login: %w", err)
	}
	f, err := c.expect(protocol.CodeManualLoginOK)
	if err != nil {
		return nil, err
	}
	if len(f.Args) != 4 {
		return nil, fmt.Errorf("client: malformed login reply %q", f.String())
	}
	admin, _ := strconv.ParseBool(f.Args[1])
	return &LoginResult{Name: f.Args[0], Admin: admin, HubAlias: f.Args[2], SessionKey: f.Args[3]}, nil
}

// AutoLogin logs in with a session key from an earlier manual login.
func (c *Client) AutoLogin(name, key string) (*LoginResult, error) {
	if err := c.SendFrame(protocol.CodeAutoLogin, name, key); err != nil {
		return nil, fmt.Errorf("client: send auto login: %w", err)
	}
	f, err := c.expect(protocol.CodeAutoLoginOK)
	if err != nil {
		return nil, err
	}
	if len(f.Args) != 3 {
		return nil, fmt.Errorf("client: malformed auto login reply %q", f.String())
	}
	admin, _ := strconv.ParseBool(f.Args[1])
	return &LoginResult{Name: f.Args[0], Admin: admin, HubAlias: f.Args[2], SessionKey: key}, nil
}

// HubLogin logs in as a hub.
func (c *Client) HubLogin(hubID int64, password, alias string) error {
	id := strconv.FormatInt(hubID, 10)
	if err := c.SendFrame(protocol.CodeHubLogin, id, password, alias); err != nil {
		return fmt.Errorf("client: send hub login: %w", err)
	}
	f, err := c.expect(protocol.CodeHubLoginOK)
	if err != nil {
		return err
	}
	if len(f.Args) != 2 || f.Args[0] != id {
		return fmt.Errorf("client: malformed hub login reply %q", f.String())
	}
	return nil
}

// ReportDeviceLocation sends a one-shot location report without logging in.
// The relay closes the connection afterwards; a rejection is returned as a
// *ServerError.
func (c *Client) ReportDeviceLocation(name, key string, location ...string) error {
	args := append([]string{name, key}, location...)
	if err := c.SendFrame(protocol.CodeDeviceLocation, args...); err != nil {
		return fmt.Errorf("client: send location: %w", err)
	}
	_, err := c.expect(protocol.CodeError)
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se
	}
	return err
}

// StartReceiving starts a goroutine that reads incoming lines and passes
// them to the line handler. Done is closed when it stops.
func (c *Client) StartReceiving() {
	go func() {
		defer close(c.done)
		for {
			line, err := c.conn.ReadLine()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					slog.Debug("relay connection closed")
					return
				}
				slog.Debug("relay read error", "err", err)
				return
			}
			if c.handler != nil {
				c.handler(line)
			}
		}
	}()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

type streamConn struct {
	conn   net.Conn
	reader *protocol.Reader
}

func dialStream(ctx context.Context, addr string, tlsCfg *tls.Config) (*streamConn, error) {
	var (
		conn net.Conn
		err  error
	)
	if tlsCfg != nil {
		dialer := &tls.Dialer{Config: tlsCfg}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return &streamConn{conn: conn, reader: protocol.NewReader(conn)}, nil
}

func (c *streamConn) ReadLine() (string, error) {
	return c.reader.ReadLine()
}

func (c *streamConn) WriteLine(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteLine(c.conn, line)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

type wsLineConn struct {
	conn *websocket.Conn
}

func dialWS(ctx context.Context, addr, path string) (*wsLineConn, error) {
	if path == "" {
		path = DefaultWSPath
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: path}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("client: connect websocket: %w", err)
	}
	return &wsLineConn{conn: conn}, nil
}

func (c *wsLineConn) ReadLine() (string, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return "", io.EOF
			}
			return "", err
		}
		if mt == websocket.TextMessage {
			return strings.TrimRight(string(data), "\r\n"), nil
		}
	}
}

func (c *wsLineConn) WriteLine(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsLineConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
