package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/oxideterm/core/lib/oxerr"
)

// Archive format: a fixed header carrying the KDF parameters and nonce,
// followed by ChaCha20-Poly1305 ciphertext. The plaintext starts with a
// SHA-256 of the JSON payload that follows it, verified after decryption in
// addition to the AEAD tag.
const (
	archiveMagic   = "OXVAULT1"
	saltLen        = 16
	argonTime      = 4
	argonMemoryKiB = 256 * 1024 // 256 MiB
	argonThreads   = 4
	keyLen         = chacha20poly1305.KeySize
)

// archivePayload is the plaintext JSON body of an exported archive.
type archivePayload struct {
	Presets []Preset `json:"presets"`
	// Keys maps key file paths to base64-encoded private key material for
	// presets whose keys the user chose to embed. Importers warn before
	// writing these to disk.
	Keys map[string]string `json:"keys,omitempty"`
}

// header is the cleartext archive preamble; every field is authenticated as
// AEAD associated data so parameter tampering fails the tag check.
type header struct {
	Magic     [8]byte
	TimeCost  uint32
	MemoryKiB uint32
	Threads   uint8
	Salt      [saltLen]byte
	Nonce     [chacha20poly1305.NonceSize]byte
}

func (h *header) encode() []byte {
	buf := make([]byte, 0, 8+4+4+1+saltLen+chacha20poly1305.NonceSize)
	buf = append(buf, h.Magic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.TimeCost)
	buf = binary.BigEndian.AppendUint32(buf, h.MemoryKiB)
	buf = append(buf, h.Threads)
	buf = append(buf, h.Salt[:]...)
	buf = append(buf, h.Nonce[:]...)
	return buf
}

func decodeHeader(r io.Reader) (*header, []byte, error) {
	raw := make([]byte, 8+4+4+1+saltLen+chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	var h header
	copy(h.Magic[:], raw[0:8])
	if string(h.Magic[:]) != archiveMagic {
		return nil, nil, oxerr.New(oxerr.Protocol, nil, "not an oxideterm vault archive")
	}
	h.TimeCost = binary.BigEndian.Uint32(raw[8:12])
	h.MemoryKiB = binary.BigEndian.Uint32(raw[12:16])
	h.Threads = raw[16]
	copy(h.Salt[:], raw[17:17+saltLen])
	copy(h.Nonce[:], raw[17+saltLen:])
	return &h, raw, nil
}

func deriveKey(password []byte, h *header) []byte {
	return argon2.IDKey(password, h.Salt[:], h.TimeCost, h.MemoryKiB, h.Threads, keyLen)
}

// Export writes every preset (and optionally embedded key files) to path as
// an encrypted archive protected by password.
func (v *Vault) Export(path string, password []byte, embedKeys bool) error {
	presets, err := v.List()
	if err != nil {
		return trace.Wrap(err)
	}

	payload := archivePayload{Presets: presets}
	if embedKeys {
		payload.Keys = make(map[string]string)
		for _, p := range presets {
			if p.KeyPath == "" {
				continue
			}
			data, err := os.ReadFile(p.KeyPath)
			if err != nil {
				v.cfg.Log.WithError(err).WithField("path", p.KeyPath).Warn("skipping unreadable key file")
				continue
			}
			payload.Keys[p.KeyPath] = encodeBase64(data)
			Zero(data)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return trace.Wrap(err)
	}
	digest := sha256.Sum256(body)
	plaintext := append(digest[:], body...)

	h := &header{TimeCost: argonTime, MemoryKiB: argonMemoryKiB, Threads: argonThreads}
	copy(h.Magic[:], archiveMagic)
	if _, err := rand.Read(h.Salt[:]); err != nil {
		return trace.Wrap(err)
	}
	if _, err := rand.Read(h.Nonce[:]); err != nil {
		return trace.Wrap(err)
	}

	key := deriveKey(password, h)
	defer Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return trace.Wrap(err)
	}

	headerBytes := h.encode()
	ciphertext := aead.Seal(nil, h.Nonce[:], plaintext, headerBytes)
	Zero(plaintext)

	tmp, err := os.CreateTemp(v.cfg.Dir, ".export.tmp.*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(headerBytes); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp.Name(), path))
}

// ImportResult reports what an import found before anything is written.
type ImportResult struct {
	Presets []Preset
	// EmbeddedKeys lists key file paths the archive carries material for; the
	// UI warns the user before WriteEmbeddedKeys persists them.
	EmbeddedKeys []string

	keys map[string]string
}

// Import decrypts an archive and merges its presets into the vault. A wrong
// password surfaces as an auth error (AEAD tag failure); an archive whose
// payload digest does not match after successful decryption is refused as
// tampered, and nothing is written in either case.
func (v *Vault) Import(path string, password []byte) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()

	h, headerBytes, err := decodeHeader(f)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ciphertext, err := io.ReadAll(f)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	key := deriveKey(password, h)
	defer Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	plaintext, err := aead.Open(nil, h.Nonce[:], ciphertext, headerBytes)
	if err != nil {
		return nil, oxerr.New(oxerr.Auth, err, "wrong password or corrupted archive")
	}
	if len(plaintext) < sha256.Size {
		return nil, oxerr.New(oxerr.Protocol, nil, "archive payload is truncated")
	}

	digest := plaintext[:sha256.Size]
	body := plaintext[sha256.Size:]
	check := sha256.Sum256(body)
	if subtle.ConstantTimeCompare(digest, check[:]) != 1 {
		return nil, oxerr.New(oxerr.Protocol, nil, "archive integrity check failed")
	}

	var payload archivePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, trace.Wrap(err, "archive payload is malformed")
	}

	for _, p := range payload.Presets {
		if _, err := v.Save(p); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	result := &ImportResult{Presets: payload.Presets, keys: payload.Keys}
	for path := range payload.Keys {
		result.EmbeddedKeys = append(result.EmbeddedKeys, path)
	}
	return result, nil
}

// WriteEmbeddedKeys persists embedded private keys after the user accepted
// the import warning.
func (r *ImportResult) WriteEmbeddedKeys() error {
	for path, b64 := range r.keys {
		data, err := decodeBase64(b64)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			Zero(data)
			return trace.ConvertSystemError(err)
		}
		Zero(data)
	}
	return nil
}
