package server

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/NicolasHaas/hosorelay/pkg/model"
	"github.com/NicolasHaas/hosorelay/pkg/protocol"
	"github.com/NicolasHaas/hosorelay/pkg/rbac"
)

// Reasons carried by 901 replies.
const (
	reasonInvalidFormat  = "Invalid format"
	reasonInvalidLogin   = "Invalid login format"
	reasonLoginFailed    = "Login failed"
	reasonHubLoginFailed = "Hub login failed"
	reasonHubTaken       = "Hub already connected"
	reasonReplaced       = "Replaced by a new hub connection"
	reasonHubOffline     = "Hub not connected"
	reasonTargetNotFound = "Target not found"
	reasonLogoutFailed   = "Logout failed"
	reasonServerFull     = "Server full"
	reasonShutdown       = "Server shutting down"
)

// request is what a handler sees: the sender and the parsed frame.
type request struct {
	origin  model.Identity
	session *Session
	cmd     protocol.Command
	args    []string
}

type handlerFunc func(s *Server, ctx context.Context, req request)

// handlers holds the commands that need more than their catalog route.
var handlers = map[protocol.Code]handlerFunc{
	protocol.CodeLogout:    (*Server).handleLogout,
	protocol.CodeLogoutAll: (*Server).handleLogoutAll,
}

// dispatchLoop is the single consumer of the request queue. It returns when
// ctx is cancelled.
func (s *Server) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			s.dispatch(ctx, req)
		}
	}
}

// dispatch handles one request. A failing handler only affects its sender.
func (s *Server) dispatch(ctx context.Context, cr model.ClientRequest) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch panic", "session", cr.SessionID, "line", cr.Line, "panic", r)
		}
	}()
	s.metrics.RequestsDispatched.Add(1)

	origin, sess, ok := s.registry.Lookup(cr.SessionID)
	if !ok {
		slog.Debug("request from closed session dropped", "session", cr.SessionID)
		return
	}

	f, err := protocol.Parse(cr.Line)
	if err != nil {
		s.fail(sess, reasonInvalidFormat)
		return
	}
	cmd, ok := protocol.Lookup(f.Code)
	if !ok {
		s.fail(sess, reasonInvalidFormat)
		return
	}
	if err := rbac.Check(origin, cmd); err != nil {
		slog.Debug("command refused", "session", sess.ID, "code", cmd.Code.String(), "err", err)
		s.fail(sess, rbac.Reason(err))
		return
	}
	if !cmd.ArityOK(len(f.Args)) {
		s.fail(sess, reasonInvalidFormat)
		return
	}

	req := request{origin: origin, session: sess, cmd: cmd, args: f.Args}
	if h, ok := handlers[cmd.Code]; ok {
		h(s, ctx, req)
		return
	}

	switch cmd.Route {
	case protocol.RouteToHub:
		s.routeToHub(req)
	case protocol.RouteToUser:
		s.routeToUser(req)
	case protocol.RouteBroadcast:
		s.routeBroadcast(req)
	default:
		s.fail(sess, reasonInvalidFormat)
	}
}

// routeToHub forwards a user command to the user's hub, tagged with the
// sender's session id or name.
func (s *Server) routeToHub(req request) {
	user := req.origin.(model.User)
	targets, err := s.registry.Resolve(req.session.ID, Addressing{ToHub: true, OnlyIndividual: true})
	if err != nil {
		s.fail(req.session, routingReason(err))
		return
	}

	tag := strconv.FormatUint(req.session.ID, 10)
	if req.cmd.Tag == protocol.TagName {
		tag = user.Name
	}
	s.deliver(targets, protocol.Line(req.cmd.Forward, append([]string{tag}, req.args...)...))
}

// routeToUser forwards a hub reply to one user of that hub. The first
// argument names the user's session and is not forwarded.
func (s *Server) routeToUser(req request) {
	hub := req.origin.(model.Hub)
	target, err := strconv.ParseUint(req.args[0], 10, 64)
	if err != nil {
		s.fail(req.session, reasonInvalidFormat)
		return
	}
	id, _, ok := s.registry.Lookup(target)
	if u, isUser := id.(model.User); !ok || !isUser || u.HubID != hub.HubID {
		s.fail(req.session, reasonTargetNotFound)
		return
	}

	targets, err := s.registry.Resolve(target, Addressing{OnlyIndividual: true, OnlyAdmin: req.cmd.OnlyAdmin})
	if err != nil {
		s.fail(req.session, reasonTargetNotFound)
		return
	}
	s.deliver(targets, protocol.Line(req.cmd.Forward, req.args[1:]...))
}

// routeBroadcast forwards a hub event to every user of that hub.
func (s *Server) routeBroadcast(req request) {
	targets, err := s.registry.Resolve(req.session.ID, Addressing{OnlyAdmin: req.cmd.OnlyAdmin})
	if err != nil {
		s.fail(req.session, routingReason(err))
		return
	}
	s.deliver(targets, protocol.Line(req.cmd.Forward, req.args...))
}

func (s *Server) handleLogout(ctx context.Context, req request) {
	user := req.origin.(model.User)
	if err := s.auth.Logout(ctx, user.SessionKey); err != nil {
		slog.Error("logout", "session", req.session.ID, "user", user.Name, "err", err)
		s.fail(req.session, reasonLogoutFailed)
		return
	}
	req.session.Send(protocol.Line(protocol.CodeLogoutOK))
	s.terminate(req.session, "logout")
}

func (s *Server) handleLogoutAll(ctx context.Context, req request) {
	user := req.origin.(model.User)
	if err := s.auth.LogoutAll(ctx, user.Name); err != nil {
		slog.Error("logout all", "session", req.session.ID, "user", user.Name, "err", err)
		s.fail(req.session, reasonLogoutFailed)
		return
	}
	for _, sess := range s.registry.UserSessionsByName(user.Name) {
		sess.Send(protocol.Line(protocol.CodeLogoutOK))
		s.terminate(sess, "logout all")
	}
}

// deliver queues line on every target. Sessions that cannot take it are
// handled by their overflow policy.
func (s *Server) deliver(targets []*Session, line string) {
	for _, t := range targets {
		if t.Send(line) {
			s.metrics.MessagesRouted.Add(1)
			continue
		}
		s.metrics.DroppedLines.Add(1)
		slog.Debug("line not delivered", "session", t.ID, "line", line)
	}
}

// fail answers the sender with a 901 line.
func (s *Server) fail(sess *Session, reason string) {
	s.metrics.RoutingErrors.Add(1)
	sess.Send(protocol.Error(reason))
}

func routingReason(err error) string {
	switch {
	case errors.Is(err, ErrNotConnected):
		return reasonHubOffline
	case errors.Is(err, ErrUnknownSession), errors.Is(err, ErrNotAuthenticated):
		return reasonTargetNotFound
	default:
		return reasonInvalidFormat
	}
}
