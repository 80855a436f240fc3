// Package identity resolves request credentials into a stable caller
// identity. Resolution never fails: a request that carries no usable token
// is attributed to an anonymous identity keyed by source IP.
package identity

import (
	"fmt"
	"time"
)

// Identity is the resolved caller: a registered user or an anonymous
// IP-derived actor. Exactly one identity is produced per request.
type Identity interface {
	// Key returns the stable identity key used to derive session IDs.
	Key() string
	// Display returns a human-readable label for logging.
	Display() string

	isIdentity()
}

// UserIdentity is a registered, authenticated caller.
type UserIdentity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func (u UserIdentity) Key() string     { return "user:" + u.UserID }
func (u UserIdentity) Display() string { return u.Email }
func (UserIdentity) isIdentity()       {}

// AnonymousIdentity is an unauthenticated caller keyed by source IP.
type AnonymousIdentity struct {
	SourceIP string `json:"source_ip"`
}

func (a AnonymousIdentity) Key() string     { return "anon:" + a.SourceIP }
func (a AnonymousIdentity) Display() string { return fmt.Sprintf("anonymous(%s)", a.SourceIP) }
func (AnonymousIdentity) isIdentity()       {}

// Credentials carries what a request offers for identification.
type Credentials struct {
	Token    string
	SourceIP string
}

// Claims is the payload carried by a signed access token.
type Claims struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Identity converts claims into the user identity they describe.
func (c Claims) Identity() UserIdentity {
	return UserIdentity{
		UserID: c.UserID,
		Email:  c.Email,
		Role:   c.Role,
	}
}
