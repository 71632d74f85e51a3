package rbac_test

import (
	"errors"
	"testing"

	"github.com/NicolasHaas/hosorelay/pkg/model"
	"github.com/NicolasHaas/hosorelay/pkg/protocol"
	"github.com/NicolasHaas/hosorelay/pkg/rbac"
)

func mustLookup(t *testing.T, code protocol.Code) protocol.Command {
	t.Helper()
	cmd, ok := protocol.Lookup(code)
	if !ok {
		t.Fatalf("Lookup(%s): not in catalog", code)
	}
	return cmd
}

func TestCheck(t *testing.T) {
	t.Parallel()

	anon := model.Unauthenticated{SessionID: 1}
	user := model.User{SessionID: 2, HubID: 7, Name: "alice"}
	admin := model.User{SessionID: 3, HubID: 7, Name: "bob", Admin: true}
	hub := model.Hub{SessionID: 4, HubID: 7, Alias: "Home"}

	tests := map[string]struct {
		id   model.Identity
		code protocol.Code
		want error
	}{
		"anon_manual_login":   {id: anon, code: protocol.CodeManualLogin},
		"anon_hub_login":      {id: anon, code: protocol.CodeHubLogin},
		"user_relogin":        {id: user, code: protocol.CodeAutoLogin, want: rbac.ErrLoggedIn},
		"hub_relogin":         {id: hub, code: protocol.CodeHubLogin, want: rbac.ErrLoggedIn},
		"anon_request":        {id: anon, code: protocol.CodeRequestGadgets, want: rbac.ErrWrongSender},
		"user_request":        {id: user, code: protocol.CodeRequestGadgets},
		"hub_sends_user_code": {id: hub, code: protocol.CodeRequestState, want: rbac.ErrWrongSender},
		"user_sends_hub_code": {id: user, code: protocol.CodeStateChanged, want: rbac.ErrWrongSender},
		"hub_broadcast":       {id: hub, code: protocol.CodeStateChanged},
		"user_edit_alias":     {id: user, code: protocol.CodeEditAlias, want: rbac.ErrAdminRequired},
		"admin_edit_alias":    {id: admin, code: protocol.CodeEditAlias},
		"admin_edit_group":    {id: admin, code: protocol.CodeEditGroup},
		"user_edit_group":     {id: user, code: protocol.CodeEditGroup, want: rbac.ErrAdminRequired},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := rbac.Check(tc.id, mustLookup(t, tc.code))
			if !errors.Is(err, tc.want) {
				t.Fatalf("Check: want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestReason(t *testing.T) {
	tests := map[error]string{
		rbac.ErrLoggedIn:      "Already logged in",
		rbac.ErrWrongSender:   "Permission denied",
		rbac.ErrAdminRequired: "Permission denied",
	}
	for err, want := range tests {
		if got := rbac.Reason(err); got != want {
			t.Errorf("Reason(%v) = %q, want %q", err, got, want)
		}
	}
}
