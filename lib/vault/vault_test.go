package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/require"

	"github.com/oxideterm/core/lib/oxerr"
)

func newVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(Config{
		Dir:     t.TempDir(),
		Keyring: keyring.NewArrayKeyring(nil),
	})
	require.NoError(t, err)
	return v
}

func TestSaveListDelete(t *testing.T) {
	v := newVault(t)

	p, err := v.Save(Preset{Name: "prod", Host: "prod.example.com", Port: 22, Username: "deploy"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	got, err := v.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "prod", got[0].Name)

	// Upsert by id.
	p.Name = "prod-2"
	_, err = v.Save(p)
	require.NoError(t, err)
	got, err = v.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "prod-2", got[0].Name)

	require.NoError(t, v.Delete(p.ID))
	got, err = v.List()
	require.NoError(t, err)
	require.Empty(t, got)

	err = v.Delete("missing")
	require.True(t, oxerr.Is(err, oxerr.NotFound))
}

func TestSecretsNeverTouchDisk(t *testing.T) {
	v := newVault(t)

	ref, err := v.StoreSecret([]byte("hunter2"))
	require.NoError(t, err)

	_, err = v.Save(Preset{Name: "p", Host: "h", Port: 22, Username: "u", SecretRef: ref})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(v.cfg.Dir, presetsFileName))
	require.NoError(t, err)
	require.NotContains(t, string(data), "hunter2")

	secret, err := v.LoadSecret(ref)
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), secret)
}

func TestArchiveRoundTrip(t *testing.T) {
	src := newVault(t)
	for _, name := range []string{"a", "b", "c"} {
		_, err := src.Save(Preset{Name: name, Host: name + ".example.com", Port: 22, Username: "u"})
		require.NoError(t, err)
	}

	archive := filepath.Join(t.TempDir(), "backup.oxide")
	require.NoError(t, src.Export(archive, []byte("pw!"), false))

	dst := newVault(t)
	result, err := dst.Import(archive, []byte("pw!"))
	require.NoError(t, err)
	require.Len(t, result.Presets, 3)

	want, err := src.List()
	require.NoError(t, err)
	got, err := dst.List()
	require.NoError(t, err)
	require.ElementsMatch(t, want, got)
}

func TestArchiveWrongPassword(t *testing.T) {
	src := newVault(t)
	_, err := src.Save(Preset{Name: "a", Host: "h", Port: 22, Username: "u"})
	require.NoError(t, err)

	archive := filepath.Join(t.TempDir(), "backup.oxide")
	require.NoError(t, src.Export(archive, []byte("pw!"), false))

	dst := newVault(t)
	_, err = dst.Import(archive, []byte("wrong"))
	require.True(t, oxerr.Is(err, oxerr.Auth))

	// Nothing was written.
	got, err := dst.List()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestArchiveTamperDetected(t *testing.T) {
	src := newVault(t)
	_, err := src.Save(Preset{Name: "a", Host: "h", Port: 22, Username: "u"})
	require.NoError(t, err)

	archive := filepath.Join(t.TempDir(), "backup.oxide")
	require.NoError(t, src.Export(archive, []byte("pw!"), false))

	// Flip one ciphertext byte past the header.
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(archive, data, 0o600))

	dst := newVault(t)
	_, err = dst.Import(archive, []byte("pw!"))
	require.Error(t, err)

	got, err := dst.List()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestArchiveBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.oxide")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a vault archive, not even close"), 0o600))

	v := newVault(t)
	_, err := v.Import(path, []byte("pw!"))
	require.True(t, oxerr.Is(err, oxerr.Protocol))
}

func TestZero(t *testing.T) {
	b := []byte("secret")
	Zero(b)
	for _, c := range b {
		require.Zero(t, c)
	}
}
