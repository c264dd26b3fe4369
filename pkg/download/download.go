// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package download streams a resolved target to disk: range-resumable,
// robots.txt-aware, credential-attaching, SHA-256-verifying.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kraklabs/refdl/pkg/credentials"
	"github.com/kraklabs/refdl/pkg/model"
	"github.com/kraklabs/refdl/pkg/taxonomy"
)

// Config carries the engine's static, process-lifetime settings.
type Config struct {
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RobotsEnabled  bool
	OutputDir      string
}

func DefaultConfig() Config {
	return Config{
		UserAgent:      "refdl/1.0",
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
		RobotsEnabled:  true,
		OutputDir:      "./downloads",
	}
}

// Result reports a single completed download attempt's outcome.
type Result struct {
	FilePath     string
	BytesWritten int64
	SHA256       string
}

// CredentialLookup resolves a credential bundle for an origin, or reports
// none is available.
type CredentialLookup func(origin string) (credentials.Bundle, bool)

// Engine performs one download at a time; callers provide their own
// concurrency (the queue scheduler bounds global/per-origin parallelism).
type Engine struct {
	cfg         Config
	client      *http.Client
	robots      *robotsCache
	credentials CredentialLookup
}

func NewEngine(cfg Config, credLookup CredentialLookup) *Engine {
	client := &http.Client{
		Timeout: 0, // overall deadline is enforced via context, not a fixed client timeout
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			ResponseHeaderTimeout: cfg.ReadTimeout,
		},
	}
	return &Engine{
		cfg:         cfg,
		client:      client,
		robots:      newRobotsCache(client),
		credentials: credLookup,
	}
}

// Fetch downloads target to a .part file in cfg.OutputDir, resuming from
// any existing partial content via a Range request, checks that no fewer
// bytes than the declared Content-Length arrived, computes the SHA-256 of
// whatever was actually streamed, and atomically renames into place.
//
// Panics inside this call are the caller's responsibility to recover: the
// queue scheduler wraps each task so one corrupt response body can never
// take down the whole batch.
func (e *Engine) Fetch(ctx context.Context, target model.ResolvedTarget, destName string) (Result, error) {
	if e.cfg.RobotsEnabled {
		if err := e.checkRobots(ctx, target.URL); err != nil {
			return Result{}, err
		}
	}

	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return Result{}, taxonomy.Wrap(taxonomy.Persistence, err, "", "create output directory")
	}

	finalPath := filepath.Join(e.cfg.OutputDir, destName)
	partPath := finalPath + ".part"

	resumeFrom := partFileSize(partPath)

	result, err := e.attempt(ctx, target, finalPath, partPath, resumeFrom)
	if errors.Is(err, errRangeNotSatisfiable) && resumeFrom > 0 {
		// The server no longer honors our resume offset (a stale .part
		// file, or content that changed underneath us): restart the
		// transfer from scratch rather than failing permanently.
		_ = os.Remove(partPath)
		result, err = e.attempt(ctx, target, finalPath, partPath, 0)
	}
	if errors.Is(err, errRangeNotSatisfiable) {
		// Even a fresh, non-resumed request got a 416: classify rather
		// than leak the internal sentinel to the caller.
		return Result{}, taxonomy.New(taxonomy.BadRequest, target.Origin, "server returned 416 for a full-range request")
	}
	return result, err
}

func partFileSize(path string) int64 {
	if fi, err := os.Stat(path); err == nil {
		return fi.Size()
	}
	return 0
}

// errRangeNotSatisfiable signals a 416 response, or a 206 response whose
// Content-Range start doesn't match the offset we asked for: both mean
// the .part file can no longer be trusted as a resume point.
var errRangeNotSatisfiable = errors.New("download: range not satisfiable")

func (e *Engine) attempt(ctx context.Context, target model.ResolvedTarget, finalPath, partPath string, resumeFrom int64) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return Result{}, taxonomy.Wrap(taxonomy.Internal, err, "", "build download request")
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	if e.credentials != nil {
		if bundle, ok := e.credentials(target.Origin); ok {
			if err := attachCookies(req, bundle); err != nil {
				return Result{}, taxonomy.Wrap(taxonomy.Internal, err, target.Origin, "attach credentials")
			}
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, classifyNetworkError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, target.Origin); err != nil {
		return Result{}, err
	}

	appendMode := resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent
	if appendMode {
		start, ok := parseContentRangeStart(resp.Header.Get("Content-Range"))
		if !ok || start != resumeFrom {
			return Result{}, errRangeNotSatisfiable
		}
	} else {
		resumeFrom = 0
	}

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return Result{}, taxonomy.Wrap(taxonomy.Persistence, err, "", "open part file")
	}

	hasher := sha256.New()
	if appendMode {
		if existing, err := os.ReadFile(partPath); err == nil {
			hasher.Write(existing)
		}
	}

	written, copyErr := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(resp.Body, maxDownloadBytes))
	closeErr := f.Close()

	total := resumeFrom + written
	if copyErr != nil {
		return Result{}, taxonomy.Wrap(taxonomy.ConnectionReset, copyErr, "", "stream interrupted")
	}
	if closeErr != nil {
		return Result{}, taxonomy.Wrap(taxonomy.Persistence, closeErr, "", "close part file")
	}

	if resp.ContentLength >= 0 {
		expected := resumeFrom + resp.ContentLength
		if total < expected {
			return Result{}, taxonomy.New(taxonomy.IntegrityMismatch, target.Origin,
				fmt.Sprintf("received %d of %d expected bytes", total, expected))
		}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return Result{}, taxonomy.Wrap(taxonomy.Persistence, err, "", "rename into place")
	}

	return Result{
		FilePath:     finalPath,
		BytesWritten: total,
		SHA256:       hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// parseContentRangeStart extracts the starting byte offset from a
// "Content-Range: bytes start-end/total" header, reporting ok=false when
// the header is absent or malformed.
func parseContentRangeStart(v string) (int64, bool) {
	v = strings.TrimPrefix(v, "bytes ")
	dash := strings.IndexByte(v, '-')
	if dash < 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(v[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

// maxDownloadBytes bounds a single file so a misbehaving server can't
// exhaust disk via an unbounded stream; 8 GiB comfortably exceeds any
// legitimate paper/dataset this engine expects to fetch.
var maxDownloadBytes int64 = 8 << 30

func (e *Engine) checkRobots(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return taxonomy.Wrap(taxonomy.Internal, err, "", "invalid url")
	}
	origin := u.Scheme + "://" + u.Host
	rules := e.robots.rulesFor(ctx, origin, e.cfg.UserAgent)
	if !rules.allowed(u.Path) {
		return taxonomy.New(taxonomy.RobotsDisallowed, origin, "disallowed by robots.txt")
	}
	return nil
}

func attachCookies(req *http.Request, bundle credentials.Bundle) error {
	jar, err := credentials.AttachableJar(bundle, req.URL)
	if err != nil {
		return err
	}
	for _, c := range jar.Cookies(req.URL) {
		req.AddCookie(c)
	}
	return nil
}

func classifyStatus(resp *http.Response, origin string) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusRequestedRangeNotSatisfiable:
		return errRangeNotSatisfiable
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	kind := taxonomy.FromHTTPStatus(resp.StatusCode, retryAfter)
	if kind == taxonomy.RateLimited {
		return &taxonomy.Error{Kind: taxonomy.RateLimited, Domain: origin, RetryAfterSeconds: retryAfter}
	}
	return taxonomy.New(kind, origin, fmt.Sprintf("status %d", resp.StatusCode))
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
		return secs
	}
	if when, err := http.ParseTime(v); err == nil {
		d := int(time.Until(when).Seconds())
		if d > 0 {
			return d
		}
	}
	return 0
}

func classifyNetworkError(err error) error {
	return taxonomy.Wrap(taxonomy.Timeout, err, "", "network request failed")
}
