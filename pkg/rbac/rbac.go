// Package rbac decides whether an identity may send a catalog command.
package rbac

import (
	"errors"

	"github.com/NicolasHaas/hosorelay/pkg/model"
	"github.com/NicolasHaas/hosorelay/pkg/protocol"
)

var (
	ErrWrongSender   = errors.New("rbac: command not allowed for this endpoint")
	ErrAdminRequired = errors.New("rbac: command requires an admin user")
	ErrLoggedIn      = errors.New("rbac: already logged in")
)

// Check returns nil if id may send cmd.
func Check(id model.Identity, cmd protocol.Command) error {
	if cmd.IsLogin() && id.Kind() != model.KindUnauthenticated {
		return ErrLoggedIn
	}
	if id.Kind() != cmd.From {
		return ErrWrongSender
	}
	if cmd.AdminOnly && !IsAdmin(id) {
		return ErrAdminRequired
	}
	return nil
}

// IsAdmin reports whether id is an admin user.
func IsAdmin(id model.Identity) bool {
	u, ok := id.(model.User)
	return ok && u.Admin
}

// Reason maps a Check error to the text sent in a 901 reply.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrLoggedIn):
		return "Already logged in"
	case errors.Is(err, ErrWrongSender), errors.Is(err, ErrAdminRequired):
		return "Permission denied"
	default:
		return "Unknown command"
	}
}
