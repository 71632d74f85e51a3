// Package model defines the core domain types for the relay.
package model

// Kind tags which case of Identity a session currently holds.
type Kind int

const (
	KindUnauthenticated Kind = iota // connected, login pending
	KindUser                        // mobile or browser client
	KindHub                         // home gateway
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindUser:
		return "user"
	case KindHub:
		return "hub"
	default:
		return "unknown"
	}
}

// Identity is the authentication state of one live session. It is a closed
// sum type: the only implementations are Unauthenticated, User and Hub.
type Identity interface {
	Session() uint64
	Kind() Kind
	sealed()
}

// Unauthenticated is the placeholder identity held between connect and login.
type Unauthenticated struct {
	SessionID uint64
}

// User is an authenticated client affiliated with exactly one hub.
type User struct {
	SessionID  uint64
	HubID      int64
	Name       string
	Admin      bool
	SessionKey string // key presented or minted at login, needed for logout
}

// Hub is an authenticated home gateway.
type Hub struct {
	SessionID uint64
	HubID     int64
	Alias     string
}

func (u Unauthenticated) Session() uint64 { return u.SessionID }
func (u Unauthenticated) Kind() Kind      { return KindUnauthenticated }
func (Unauthenticated) sealed()           {}

func (u User) Session() uint64 { return u.SessionID }
func (u User) Kind() Kind      { return KindUser }
func (User) sealed()           {}

func (h Hub) Session() uint64 { return h.SessionID }
func (h Hub) Kind() Kind      { return KindHub }
func (Hub) sealed()           {}

// ClientRequest is one inbound command line tagged with the session that sent it.
type ClientRequest struct {
	SessionID uint64
	Line      string
}
