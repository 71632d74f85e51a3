package protocol

import "github.com/NicolasHaas/hosorelay/pkg/model"

// Command codes. Codes without a catalog entry are server-to-peer only.
const (
	CodeManualLogin    Code = 101
	CodeManualLoginOK  Code = 102
	CodeAutoLogin      Code = 103
	CodeAutoLoginOK    Code = 104
	CodeLogout         Code = 105
	CodeLogoutAll      Code = 106
	CodeLogoutOK       Code = 107
	CodeHubLogin       Code = 120
	CodeHubLoginOK     Code = 121
	CodeRequestGadgets Code = 301
	CodeGadgetsRequest Code = 302
	CodeGadgetsReport  Code = 303
	CodeGadgetsData    Code = 304
	CodeRequestState   Code = 311
	CodeStateRequest   Code = 312
	CodeStateChanged   Code = 315
	CodeStateUpdate    Code = 316
	CodeGadgetFound    Code = 351
	CodeGadgetNew      Code = 352
	CodeGadgetLost     Code = 353
	CodeGadgetGone     Code = 354
	CodeRequestGroups  Code = 370
	CodeGroupsRequest  Code = 371
	CodeGroupsReport   Code = 372
	CodeGroupsData     Code = 373
	CodeEditAlias      Code = 401
	CodeAliasEdit      Code = 402
	CodeAliasChanged   Code = 403
	CodeAliasUpdate    Code = 404
	CodeEditGroup      Code = 410
	CodeGroupEdit      Code = 411
	CodeDeviceLocation Code = 501
	CodeLocation       Code = 502
	CodeReportLocation Code = 503
	CodeError          Code = 901
)

// Route is the forwarding rule applied to a command.
type Route int

const (
	// RouteTerminal commands are consumed by the server and never forwarded.
	RouteTerminal Route = iota
	// RouteToHub forwards to the hub the sending user is affiliated with.
	// The forwarded frame is prefixed with the sender's tag (see Tag).
	RouteToHub
	// RouteToUser forwards to a single user of the sending hub. The first
	// argument is the target session id and is stripped before forwarding.
	RouteToUser
	// RouteBroadcast forwards to every user of the sending hub.
	RouteBroadcast
)

// Tag selects what a RouteToHub forward carries to identify the sender.
type Tag int

const (
	TagSession Tag = iota // decimal session id, so the hub can address the reply
	TagName               // the user's name
)

// Command describes one inbound command of the catalog.
type Command struct {
	Code      Code
	Name      string
	From      model.Kind // identity required to send it
	Args      int        // exact argument count, or minimum when Variadic
	Variadic  bool
	AdminOnly bool // sender must be an admin user
	Route     Route
	Forward   Code // outbound code for routed commands
	Tag       Tag  // RouteToHub only
	OnlyAdmin bool // recipients are restricted to admin users
}

var catalog = map[Code]Command{
	CodeManualLogin:    {Code: CodeManualLogin, Name: "manual-login", From: model.KindUnauthenticated, Args: 2},
	CodeAutoLogin:      {Code: CodeAutoLogin, Name: "auto-login", From: model.KindUnauthenticated, Args: 2},
	CodeHubLogin:       {Code: CodeHubLogin, Name: "hub-login", From: model.KindUnauthenticated, Args: 3},
	CodeDeviceLocation: {Code: CodeDeviceLocation, Name: "device-location", From: model.KindUnauthenticated, Args: 3, Variadic: true},

	CodeLogout:    {Code: CodeLogout, Name: "logout", From: model.KindUser},
	CodeLogoutAll: {Code: CodeLogoutAll, Name: "logout-all", From: model.KindUser},

	CodeRequestGadgets: {Code: CodeRequestGadgets, Name: "request-gadgets", From: model.KindUser, Route: RouteToHub, Forward: CodeGadgetsRequest},
	CodeGadgetsReport:  {Code: CodeGadgetsReport, Name: "gadgets-report", From: model.KindHub, Args: 2, Variadic: true, Route: RouteToUser, Forward: CodeGadgetsData},
	CodeRequestState:   {Code: CodeRequestState, Name: "request-state", From: model.KindUser, Args: 2, Route: RouteToHub, Forward: CodeStateRequest},
	CodeStateChanged:   {Code: CodeStateChanged, Name: "state-changed", From: model.KindHub, Args: 2, Route: RouteBroadcast, Forward: CodeStateUpdate},
	CodeGadgetFound:    {Code: CodeGadgetFound, Name: "gadget-found", From: model.KindHub, Args: 1, Variadic: true, Route: RouteBroadcast, Forward: CodeGadgetNew},
	CodeGadgetLost:     {Code: CodeGadgetLost, Name: "gadget-lost", From: model.KindHub, Args: 1, Route: RouteBroadcast, Forward: CodeGadgetGone},
	CodeRequestGroups:  {Code: CodeRequestGroups, Name: "request-groups", From: model.KindUser, Route: RouteToHub, Forward: CodeGroupsRequest},
	CodeGroupsReport:   {Code: CodeGroupsReport, Name: "groups-report", From: model.KindHub, Args: 1, Variadic: true, Route: RouteToUser, Forward: CodeGroupsData},
	CodeEditAlias:      {Code: CodeEditAlias, Name: "edit-alias", From: model.KindUser, Args: 2, AdminOnly: true, Route: RouteToHub, Forward: CodeAliasEdit},
	CodeAliasChanged:   {Code: CodeAliasChanged, Name: "alias-changed", From: model.KindHub, Args: 2, Route: RouteBroadcast, Forward: CodeAliasUpdate},
	CodeEditGroup:      {Code: CodeEditGroup, Name: "edit-group", From: model.KindUser, Args: 1, Variadic: true, AdminOnly: true, Route: RouteToHub, Forward: CodeGroupEdit},
	CodeReportLocation: {Code: CodeReportLocation, Name: "report-location", From: model.KindUser, Args: 1, Variadic: true, Route: RouteToHub, Forward: CodeLocation, Tag: TagName},
}

// Lookup returns the catalog entry for an inbound code.
func Lookup(code Code) (Command, bool) {
	c, ok := catalog[code]
	return c, ok
}

// Commands returns every inbound command of the catalog.
func Commands() []Command {
	out := make([]Command, 0, len(catalog))
	for _, c := range catalog {
		out = append(out, c)
	}
	return out
}

// IsLogin reports whether the command is handled by the authentication gateway.
func (c Command) IsLogin() bool {
	return c.From == model.KindUnauthenticated
}

// ArityOK reports whether n arguments satisfy the command's field layout.
func (c Command) ArityOK(n int) bool {
	if c.Variadic {
		return n >= c.Args
	}
	return n == c.Args
}
