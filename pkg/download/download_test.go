package download

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/refdl/pkg/credentials"
	"github.com/kraklabs/refdl/pkg/model"
	"github.com/kraklabs/refdl/pkg/taxonomy"
)

func testConfig(dir string) Config {
	return Config{
		UserAgent:      "refdl-test/1.0",
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    5 * time.Second,
		RobotsEnabled:  false,
		OutputDir:      dir,
	}
}

func TestFetchDownloadsFullFile(t *testing.T) {
	const body = "hello, paper content"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	engine := NewEngine(testConfig(dir), nil)

	target := model.ResolvedTarget{URL: srv.URL + "/paper.pdf", Origin: srv.URL}
	result, err := engine.Fetch(t.Context(), target, "paper.pdf")
	require.NoError(t, err)

	assert.Equal(t, int64(len(body)), result.BytesWritten)
	sum := sha256.Sum256([]byte(body))
	assert.Equal(t, hex.EncodeToString(sum[:]), result.SHA256)

	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	_, statErr := os.Stat(filepath.Join(dir, "paper.pdf.part"))
	assert.True(t, os.IsNotExist(statErr), "the .part file should be renamed away on success")
}

func TestFetchResumesFromExistingPartialFile(t *testing.T) {
	const full = "0123456789ABCDEF"
	const already = "01234"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			_, _ = w.Write([]byte(full))
			return
		}
		assert.Equal(t, "bytes=5-", rng)
		w.Header().Set("Content-Range", "bytes 5-15/16")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(full[5:]))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paper.pdf.part"), []byte(already), 0o644))

	engine := NewEngine(testConfig(dir), nil)
	target := model.ResolvedTarget{URL: srv.URL + "/paper.pdf", Origin: srv.URL}
	result, err := engine.Fetch(t.Context(), target, "paper.pdf")
	require.NoError(t, err)

	assert.Equal(t, int64(len(full)), result.BytesWritten)
	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestFetchClassifiesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	engine := NewEngine(testConfig(dir), nil)
	target := model.ResolvedTarget{URL: srv.URL + "/missing.pdf", Origin: srv.URL}
	_, err := engine.Fetch(t.Context(), target, "missing.pdf")
	require.Error(t, err)

	var taxErr *taxonomy.Error
	require.True(t, taxonomy.As(err, &taxErr))
	assert.Equal(t, taxonomy.NotFound, taxErr.Kind)
}

func TestFetchClassifiesRateLimitedWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	dir := t.TempDir()
	engine := NewEngine(testConfig(dir), nil)
	target := model.ResolvedTarget{URL: srv.URL + "/paper.pdf", Origin: srv.URL}
	_, err := engine.Fetch(t.Context(), target, "paper.pdf")
	require.Error(t, err)

	var taxErr *taxonomy.Error
	require.True(t, taxonomy.As(err, &taxErr))
	assert.Equal(t, taxonomy.RateLimited, taxErr.Kind)
	assert.Equal(t, 30, taxErr.RetryAfterSeconds)
}

func TestFetchClassifiesServerErrorWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "15")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	engine := NewEngine(testConfig(dir), nil)
	target := model.ResolvedTarget{URL: srv.URL + "/paper.pdf", Origin: srv.URL}
	_, err := engine.Fetch(t.Context(), target, "paper.pdf")
	require.Error(t, err)

	var taxErr *taxonomy.Error
	require.True(t, taxonomy.As(err, &taxErr))
	assert.Equal(t, taxonomy.RateLimited, taxErr.Kind)
	assert.Equal(t, 15, taxErr.RetryAfterSeconds)
}

func TestFetchRestartsOnRangeNotSatisfiable(t *testing.T) {
	const full = "0123456789ABCDEF"
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		_, _ = w.Write([]byte(full))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paper.pdf.part"), []byte("stale"), 0o644))

	engine := NewEngine(testConfig(dir), nil)
	target := model.ResolvedTarget{URL: srv.URL + "/paper.pdf", Origin: srv.URL}
	result, err := engine.Fetch(t.Context(), target, "paper.pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "should restart without Range after a 416")

	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestFetchRestartsOnContentRangeMismatch(t *testing.T) {
	const full = "0123456789ABCDEF"
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Range") != "" {
			// Respond as if resuming from a different offset than requested.
			w.Header().Set("Content-Range", "bytes 9-15/16")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte(full[9:]))
			return
		}
		_, _ = w.Write([]byte(full))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paper.pdf.part"), []byte(full[:5]), 0o644))

	engine := NewEngine(testConfig(dir), nil)
	target := model.ResolvedTarget{URL: srv.URL + "/paper.pdf", Origin: srv.URL}
	result, err := engine.Fetch(t.Context(), target, "paper.pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "a mismatched Content-Range start should force a from-scratch restart")

	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestFetchDetectsTruncatedStreamAsIntegrityMismatch(t *testing.T) {
	const full = "0123456789ABCDEF0123456789ABCDEF"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(full))
	}))
	defer srv.Close()

	old := maxDownloadBytes
	maxDownloadBytes = 8
	defer func() { maxDownloadBytes = old }()

	dir := t.TempDir()
	engine := NewEngine(testConfig(dir), nil)
	target := model.ResolvedTarget{URL: srv.URL + "/paper.pdf", Origin: srv.URL}
	_, err := engine.Fetch(t.Context(), target, "paper.pdf")
	require.Error(t, err)

	var taxErr *taxonomy.Error
	require.True(t, taxonomy.As(err, &taxErr))
	assert.Equal(t, taxonomy.IntegrityMismatch, taxErr.Kind)
}

func TestFetchClassifiesAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	engine := NewEngine(testConfig(dir), nil)
	target := model.ResolvedTarget{URL: srv.URL + "/paywalled.pdf", Origin: srv.URL}
	_, err := engine.Fetch(t.Context(), target, "paywalled.pdf")
	require.Error(t, err)

	var taxErr *taxonomy.Error
	require.True(t, taxonomy.As(err, &taxErr))
	assert.Equal(t, taxonomy.AuthRequired, taxErr.Kind)
}

func TestFetchAttachesCookiesFromCredentialLookup(t *testing.T) {
	var seenCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			seenCookie = c.Value
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	srvURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	lookup := func(origin string) (credentials.Bundle, bool) {
		return credentials.Bundle{Cookies: []credentials.Cookie{
			{Domain: srvURL.Host, Name: "session", Value: "s3cr3t"},
		}}, true
	}
	engine := NewEngine(testConfig(dir), lookup)
	target := model.ResolvedTarget{URL: srv.URL + "/paper.pdf", Origin: srv.URL}
	_, err = engine.Fetch(t.Context(), target, "paper.pdf")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", seenCookie)
}

func TestFetchRespectsRobotsDisallow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/"))
			return
		}
		_, _ = w.Write([]byte("should never be reached"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.RobotsEnabled = true
	engine := NewEngine(cfg, nil)

	target := model.ResolvedTarget{URL: srv.URL + "/private/paper.pdf", Origin: srv.URL}
	_, err := engine.Fetch(t.Context(), target, "paper.pdf")
	require.Error(t, err)

	var taxErr *taxonomy.Error
	require.True(t, taxonomy.As(err, &taxErr))
	assert.Equal(t, taxonomy.RobotsDisallowed, taxErr.Kind)
}
