package credentials

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, InMemoryKeySource{Secret: []byte("test-secret-key-material")})

	bundle := Bundle{
		CapturedAt: time.Now().Truncate(time.Second).UTC(),
		Cookies: []Cookie{
			{Domain: ".example.com", Name: "session", Value: "abc123", Path: "/", Secure: true, HTTPOnly: true},
			{Domain: "example.com", Name: "pref", Value: "dark-mode"},
		},
	}

	require.NoError(t, store.Save("example.com", bundle))

	loaded, ok, err := store.Load("example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bundle.CapturedAt, loaded.CapturedAt)
	require.Len(t, loaded.Cookies, 2)
	assert.Equal(t, bundle.Cookies[0].Name, loaded.Cookies[0].Name)
	assert.Equal(t, bundle.Cookies[0].Value, loaded.Cookies[0].Value)
	assert.Equal(t, bundle.Cookies[0].Secure, loaded.Cookies[0].Secure)
	assert.Equal(t, bundle.Cookies[0].HTTPOnly, loaded.Cookies[0].HTTPOnly)
}

func TestLoadMissingFileReturnsFalseNoError(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, InMemoryKeySource{Secret: []byte("k")})

	bundle, ok, err := store.Load("never-saved.example.com")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Bundle{}, bundle)
}

func TestLoadTamperedFileReturnsErrCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, InMemoryKeySource{Secret: []byte("k")})

	require.NoError(t, store.Save("example.com", Bundle{CapturedAt: time.Now()}))

	path := store.pathFor("example.com")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, _, err = store.Load("example.com")
	assert.ErrorIs(t, err, ErrCorrupt)

	// The corrupt file is never auto-deleted.
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestLoadWrongKeyReturnsErrCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, InMemoryKeySource{Secret: []byte("key-one")})
	require.NoError(t, store.Save("example.com", Bundle{CapturedAt: time.Now()}))

	other := NewStore(dir, InMemoryKeySource{Secret: []byte("key-two")})
	_, _, err := other.Load("example.com")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSanitizeDomainEscapesUnsafeCharacters(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, InMemoryKeySource{Secret: []byte("k")})
	require.NoError(t, store.Save("../../etc/passwd", Bundle{}))

	path := store.pathFor("../../etc/passwd")
	assert.Equal(t, dir, filepath.Dir(path))
}

func TestEnvKeySourceMissingVariable(t *testing.T) {
	src := EnvKeySource{VarName: "REFDL_TEST_DOES_NOT_EXIST"}
	_, err := src.MasterKey()
	assert.Error(t, err)
}

func TestEnvKeySourcePresentVariable(t *testing.T) {
	t.Setenv("REFDL_TEST_MASTER_KEY", "super-secret")
	src := EnvKeySource{VarName: "REFDL_TEST_MASTER_KEY"}
	key, err := src.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("super-secret"), key)
}

func TestInMemoryKeySourceRequiresSecret(t *testing.T) {
	_, err := (InMemoryKeySource{}).MasterKey()
	assert.Error(t, err)
}

func TestDomainMatches(t *testing.T) {
	cases := []struct {
		cookieDomain, host string
		want                bool
	}{
		{".example.com", "www.example.com", true},
		{".example.com", "example.com", true},
		{".example.com", "evilexample.com", false},
		{"example.com", "example.com", true},
		{"example.com", "www.example.com", false},
		{"", "example.com", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, domainMatches(c.cookieDomain, c.host), "cookieDomain=%s host=%s", c.cookieDomain, c.host)
	}
}
