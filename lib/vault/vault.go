// Package vault persists connection presets and brokers secrets. The preset
// file on disk never contains a secret — only reference ids resolved through
// the OS credential store at handshake time. Presets are exportable as a
// single password-protected archive; see archive.go.
package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/oxideterm/core/lib/oxerr"
)

const (
	presetsFileName = "presets.json"
	lockFileName    = "presets.lock"
	// keyringService namespaces our entries in the OS credential store.
	keyringService = "oxideterm"
)

// Preset is one saved connection. SecretRef, when set, names an entry in the
// OS credential store holding the password or key passphrase.
type Preset struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	AuthClass string    `json:"authClass"`
	KeyPath   string    `json:"keyPath,omitempty"`
	SecretRef string    `json:"secretRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config locates the vault on disk and selects the keychain backend.
type Config struct {
	// Dir is the per-user configuration directory holding the preset file.
	Dir string
	Log *logrus.Entry
	// Keyring overrides the OS keychain, for tests.
	Keyring keyring.Keyring
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		c.Dir = filepath.Join(base, "oxideterm")
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "vault")
	}
	return nil
}

// Vault is the on-disk preset store plus its keychain broker.
type Vault struct {
	cfg  Config
	lock *flock.Flock

	mu      sync.Mutex
	keyring keyring.Keyring
}

// New constructs a Vault rooted at cfg.Dir, creating the directory if needed.
func New(cfg Config) (*Vault, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Vault{
		cfg:     cfg,
		lock:    flock.New(filepath.Join(cfg.Dir, lockFileName)),
		keyring: cfg.Keyring,
	}, nil
}

func (v *Vault) ring() (keyring.Keyring, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keyring != nil {
		return v.keyring, nil
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	v.keyring = ring
	return ring, nil
}

// withLock serializes cross-process access to the preset file.
func (v *Vault) withLock(fn func() error) error {
	if err := v.lock.Lock(); err != nil {
		return trace.ConvertSystemError(err)
	}
	defer v.lock.Unlock()
	return fn()
}

func (v *Vault) presetsPath() string {
	return filepath.Join(v.cfg.Dir, presetsFileName)
}

func (v *Vault) readPresets() ([]Preset, error) {
	data, err := os.ReadFile(v.presetsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var presets []Preset
	if err := json.Unmarshal(data, &presets); err != nil {
		return nil, trace.Wrap(err, "preset file is corrupt")
	}
	return presets, nil
}

// writePresets writes via temp file + rename so a crash mid-write never
// truncates the store.
func (v *Vault) writePresets(presets []Preset) error {
	data, err := json.MarshalIndent(presets, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	tmp, err := os.CreateTemp(v.cfg.Dir, ".presets.tmp.*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp.Name(), v.presetsPath()))
}

// List returns every saved preset.
func (v *Vault) List() ([]Preset, error) {
	var out []Preset
	err := v.withLock(func() error {
		presets, err := v.readPresets()
		out = presets
		return trace.Wrap(err)
	})
	return out, trace.Wrap(err)
}

// Save upserts a preset by id, assigning an id when empty.
func (v *Vault) Save(p Preset) (Preset, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	err := v.withLock(func() error {
		presets, err := v.readPresets()
		if err != nil {
			return trace.Wrap(err)
		}
		replaced := false
		for i := range presets {
			if presets[i].ID == p.ID {
				presets[i] = p
				replaced = true
			}
		}
		if !replaced {
			presets = append(presets, p)
		}
		return trace.Wrap(v.writePresets(presets))
	})
	return p, trace.Wrap(err)
}

// Delete removes a preset and its keychain secret, if any.
func (v *Vault) Delete(id string) error {
	return v.withLock(func() error {
		presets, err := v.readPresets()
		if err != nil {
			return trace.Wrap(err)
		}
		kept := presets[:0]
		var removed *Preset
		for i := range presets {
			if presets[i].ID == id {
				removed = &presets[i]
				continue
			}
			kept = append(kept, presets[i])
		}
		if removed == nil {
			return oxerr.New(oxerr.NotFound, nil, "preset %s not found", id)
		}
		if removed.SecretRef != "" {
			if err := v.DeleteSecret(removed.SecretRef); err != nil {
				v.cfg.Log.WithError(err).Warn("failed to remove keychain secret")
			}
		}
		return trace.Wrap(v.writePresets(kept))
	})
}

// StoreSecret places a secret in the OS credential store and returns the
// reference id to persist in the preset. The caller should Zero its copy of
// the secret after this returns.
func (v *Vault) StoreSecret(secret []byte) (string, error) {
	ring, err := v.ring()
	if err != nil {
		return "", trace.Wrap(err)
	}
	ref := uuid.NewString()
	if err := ring.Set(keyring.Item{Key: ref, Data: secret}); err != nil {
		return "", trace.Wrap(err)
	}
	return ref, nil
}

// LoadSecret pulls a secret out of the OS credential store. Callers zero the
// returned bytes as soon as the handshake consumed them.
func (v *Vault) LoadSecret(ref string) ([]byte, error) {
	ring, err := v.ring()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item, err := ring.Get(ref)
	if err != nil {
		return nil, oxerr.New(oxerr.Auth, err, "secret %s not available in the credential store", ref)
	}
	return item.Data, nil
}

// DeleteSecret removes a stored secret.
func (v *Vault) DeleteSecret(ref string) error {
	ring, err := v.ring()
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(ring.Remove(ref))
}

// Zero overwrites sensitive bytes in place once they are no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
