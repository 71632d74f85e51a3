package server

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/NicolasHaas/hosorelay/pkg/auth"
	"github.com/NicolasHaas/hosorelay/pkg/model"
	"github.com/NicolasHaas/hosorelay/pkg/protocol"
)

// authenticate handles the first frame of a session. It reports whether the
// session is now logged in; on false the caller closes the session after
// any queued reply is written.
func (s *Server) authenticate(ctx context.Context, sess *Session, f protocol.Frame) bool {
	cmd, ok := protocol.Lookup(f.Code)
	if !ok || !cmd.IsLogin() || !cmd.ArityOK(len(f.Args)) {
		s.reject(sess, reasonInvalidLogin, "code", f.Code.String())
		return false
	}

	switch cmd.Code {
	case protocol.CodeManualLogin:
		return s.manualLogin(ctx, sess, f.Args[0], f.Args[1])
	case protocol.CodeAutoLogin:
		return s.autoLogin(ctx, sess, f.Args[0], f.Args[1])
	case protocol.CodeHubLogin:
		return s.hubLogin(ctx, sess, f.Args[0], f.Args[1], f.Args[2])
	case protocol.CodeDeviceLocation:
		s.deviceLocation(ctx, sess, f.Args[0], f.Args[1], f.Args[2:])
		return false
	default:
		s.reject(sess, reasonInvalidLogin, "code", f.Code.String())
		return false
	}
}

func (s *Server) manualLogin(ctx context.Context, sess *Session, name, password string) bool {
	key, err := s.keys()
	if err != nil {
		slog.Error("generate session key", "session", sess.ID, "err", err)
		s.reject(sess, reasonLoginFailed)
		return false
	}

	grant, err := s.auth.ManualLogin(ctx, name, password, key)
	if err != nil {
		s.reject(sess, authReason(err), "user", name, "err", err)
		return false
	}

	hub, online := s.hubFor(ctx, grant.HubID, key)
	if !online && s.cfg.RequireHubOnline {
		s.reject(sess, reasonHubOffline, "user", name, "hub", grant.HubID)
		return false
	}

	user := model.User{
		SessionID:  sess.ID,
		HubID:      grant.HubID,
		Name:       name,
		Admin:      grant.Admin,
		SessionKey: key,
	}
	if !s.promote(sess, user) {
		if err := s.auth.Logout(ctx, key); err != nil {
			slog.Warn("revoke unused session key", "err", err)
		}
		return false
	}

	sess.Send(protocol.Line(protocol.CodeManualLoginOK, name, strconv.FormatBool(grant.Admin), hub.Alias, key))
	if online {
		// Fetch the hub's gadget list on the user's behalf.
		s.enqueue(sess, model.ClientRequest{SessionID: sess.ID, Line: protocol.Line(protocol.CodeRequestGadgets)})
	}
	return true
}

func (s *Server) autoLogin(ctx context.Context, sess *Session, name, key string) bool {
	grant, err := s.auth.AutoLogin(ctx, name, key)
	if err != nil {
		s.reject(sess, authReason(err), "user", name, "err", err)
		return false
	}

	hub, online := s.hubFor(ctx, grant.HubID, "")
	if !online && s.cfg.RequireHubOnline {
		s.reject(sess, reasonHubOffline, "user", name, "hub", grant.HubID)
		return false
	}

	user := model.User{
		SessionID:  sess.ID,
		HubID:      grant.HubID,
		Name:       name,
		Admin:      grant.Admin,
		SessionKey: key,
	}
	if !s.promote(sess, user) {
		return false
	}

	sess.Send(protocol.Line(protocol.CodeAutoLoginOK, name, strconv.FormatBool(grant.Admin), hub.Alias))
	return true
}

func (s *Server) hubLogin(ctx context.Context, sess *Session, rawID, password, alias string) bool {
	hubID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || model.ValidateHubID(hubID) != nil || model.ValidateAlias(alias) != nil {
		s.reject(sess, reasonInvalidLogin, "hub", rawID)
		return false
	}

	if !s.auth.HubLogin(ctx, hubID, password) {
		s.reject(sess, reasonHubLoginFailed, "hub", hubID)
		return false
	}

	hub := model.Hub{SessionID: sess.ID, HubID: hubID, Alias: alias}
	if !s.promote(sess, hub) {
		return false
	}

	sess.Send(protocol.Line(protocol.CodeHubLoginOK, rawID, alias))
	return true
}

// deviceLocation handles a one-shot location report from a device that
// never logs in. The report is checked like an automatic login and then
// forwarded to the user's hub.
func (s *Server) deviceLocation(ctx context.Context, sess *Session, name, key string, location []string) {
	grant, err := s.auth.AutoLogin(ctx, name, key)
	if err != nil {
		s.reject(sess, authReason(err), "user", name, "err", err)
		return
	}
	_, hubSess, online := s.registry.HubByID(grant.HubID)
	if !online {
		s.reject(sess, reasonHubOffline, "user", name, "hub", grant.HubID)
		return
	}
	s.deliver([]*Session{hubSess}, protocol.Line(protocol.CodeLocation, append([]string{name}, location...)...))
	slog.Debug("location report forwarded", "session", sess.ID, "user", name, "hub", grant.HubID)
}

// hubFor looks up a user's hub. When the hub is offline and must be online,
// the freshly minted key (if any) is revoked again.
func (s *Server) hubFor(ctx context.Context, hubID int64, mintedKey string) (model.Hub, bool) {
	hub, _, online := s.registry.HubByID(hubID)
	if !online && s.cfg.RequireHubOnline && mintedKey != "" {
		if err := s.auth.Logout(ctx, mintedKey); err != nil {
			slog.Warn("revoke unused session key", "err", err)
		}
	}
	return hub, online
}

// promote swaps the session's placeholder identity for id.
func (s *Server) promote(sess *Session, id model.Identity) bool {
	evicted, err := s.registry.Promote(id)
	if err != nil {
		reason := reasonLoginFailed
		if errors.Is(err, ErrDuplicateHub) {
			reason = reasonHubTaken
		}
		s.reject(sess, reason, "err", err)
		return false
	}

	if evicted != nil {
		evicted.Send(protocol.Error(reasonReplaced))
		evicted.Stop()
		s.retire(evicted, model.Hub{SessionID: evicted.ID}, "replaced")
	}

	sess.authenticated.Store(true)
	s.metrics.SuccessfulAuths.Add(1)
	slog.Info("login",
		"session", sess.ID,
		"conn", sess.Trace,
		"identity", id.Kind().String(),
		"remote", sess.RemoteAddr(),
	)
	return true
}

// reject answers a failed login with a 901 line.
func (s *Server) reject(sess *Session, reason string, attrs ...any) {
	s.metrics.FailedAuths.Add(1)
	slog.Info("login rejected", append([]any{"session", sess.ID, "remote", sess.RemoteAddr(), "reason", reason}, attrs...)...)
	sess.Send(protocol.Error(reason))
}

// authReason returns the reason text for a provider error. Only the
// provider's own rejections are passed to the peer.
func authReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return auth.ErrInvalidCredentials.Error()
	case errors.Is(err, auth.ErrInvalidSessionKey):
		return auth.ErrInvalidSessionKey.Error()
	default:
		return reasonLoginFailed
	}
}
