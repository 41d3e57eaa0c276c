package sshreg

import (
	"fmt"
)

// AuthClass names the authentication method family used in a reuse
// fingerprint.
type AuthClass string

const (
	AuthClassPublicKey AuthClass = "publickey"
	AuthClassAgent     AuthClass = "agent"
	AuthClassPassword  AuthClass = "password"
	AuthClassKeyboard  AuthClass = "keyboard-interactive"
)

// Fingerprint is the tuple used to decide whether a new connect can share an
// existing live Connection: host, port, username, the auth method family,
// and the resolved key fingerprint (key/agent auth) or credential id
// (password auth). Differing auth never reuses.
type Fingerprint struct {
	Host        string
	Port        int
	Username    string
	AuthClass   AuthClass
	KeyOrCredID string // resolved-key-fingerprint for key/agent auth, credential-id for password auth
}

// String renders a stable cache key. Two specs produce the same string iff
// they would be eligible for connection reuse.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s@%s:%d#%s#%s", f.Username, f.Host, f.Port, f.AuthClass, f.KeyOrCredID)
}
