package vault

import (
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/oxideterm/core/lib/oxerr"
)

// HostKeyStore implements trust-on-first-use host key verification against a
// known-hosts formatted file in the user's SSH directory. An unknown host is
// recorded on first contact (after the confirm callback approves); a key that
// contradicts the recorded one is a hard failure, never auto-resolved.
type HostKeyStore struct {
	path string
	mu   sync.Mutex
	// Confirm is consulted before trusting a first-seen key. Nil accepts
	// silently (headless use); the UI wires a prompt here.
	Confirm func(hostport string, key ssh.PublicKey) bool
}

// NewHostKeyStore opens (creating if absent) the known-hosts file at path.
// Empty path selects ~/.ssh/oxideterm_known_hosts.
func NewHostKeyStore(path string) (*HostKeyStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		path = filepath.Join(home, ".ssh", "oxideterm_known_hosts")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	f.Close()
	return &HostKeyStore{path: path}, nil
}

// Callback returns the ssh.HostKeyCallback enforcing the TOFU policy.
func (s *HostKeyStore) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		check, err := knownhosts.New(s.path)
		if err != nil {
			return trace.Wrap(err)
		}
		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !asKeyError(err, &keyErr) {
			return trace.Wrap(err)
		}
		if len(keyErr.Want) > 0 {
			// The host presented a key that contradicts the recorded one.
			return oxerr.New(oxerr.HostKey, err, "host key mismatch for %s", hostname)
		}

		// First contact.
		if s.Confirm != nil && !s.Confirm(hostname, key) {
			return oxerr.New(oxerr.Policy, nil, "host key for %s rejected", hostname)
		}
		return trace.Wrap(s.append(hostname, key))
	}
}

func (s *HostKeyStore) append(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{hostname}, key)
	_, err = f.WriteString(line + "\n")
	return trace.ConvertSystemError(err)
}

func asKeyError(err error, target **knownhosts.KeyError) bool {
	for err != nil {
		if ke, ok := err.(*knownhosts.KeyError); ok {
			*target = ke
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	return data, trace.Wrap(err)
}
