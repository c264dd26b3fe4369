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
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main implements a thin demo CLI wiring the batch resolution and
// download engine together: it reads a block of mixed bibliographic input
// from stdin, enqueues it, and runs it to completion. Argument parsing is
// intentionally minimal; a full interactive CLI is out of scope here.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/refdl/internal/clierr"
	"github.com/kraklabs/refdl/internal/config"
	"github.com/kraklabs/refdl/internal/httpapi"
	"github.com/kraklabs/refdl/pkg/clock"
	"github.com/kraklabs/refdl/pkg/credentials"
	"github.com/kraklabs/refdl/pkg/download"
	"github.com/kraklabs/refdl/pkg/model"
	"github.com/kraklabs/refdl/pkg/parser"
	"github.com/kraklabs/refdl/pkg/persistence"
	"github.com/kraklabs/refdl/pkg/queue"
	"github.com/kraklabs/refdl/pkg/ratelimit"
	"github.com/kraklabs/refdl/pkg/resolver"
	"github.com/kraklabs/refdl/pkg/retry"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to refdl.yaml")
		dbPath      = flag.String("db", "./refdl.db", "Path to the sqlite queue database")
		serveAPI    = flag.String("serve", "", "Address to serve the local status API on, e.g. 127.0.0.1:8080")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
		verbose     = flag.CountP("verbose", "v", "Increase log verbosity")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("refdl version %s (commit %s)\n", version, commit)
		return 0
	}

	logger := newLogger(*verbose, *quiet)
	slog.SetDefault(logger)
	setupColor()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			clierr.Present(os.Stderr, err, *quiet)
			return 2
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		clierr.Present(os.Stderr, err, *quiet)
		return 2
	}

	counts, err := runBatch(ctx, cfg, *dbPath, *serveAPI, string(input), logger)
	code := clierr.ExitCode(counts, err)
	if err != nil {
		clierr.Present(os.Stderr, err, *quiet)
	}
	if !*quiet {
		fmt.Printf("attempted=%d completed=%d failed=%d skipped=%d\n",
			counts.Attempted, counts.Completed, counts.Failed, counts.Skipped)
	}
	return code
}

func runBatch(ctx context.Context, cfg config.Config, dbPath, apiAddr, input string, logger *slog.Logger) (model.TerminalCounts, error) {
	batchID := uuid.New().String()
	logger = logger.With("batch_id", batchID)

	store, err := persistence.Open(ctx, dbPath)
	if err != nil {
		return model.TerminalCounts{}, err
	}
	defer store.Close()

	now := clock.System.Now()
	if _, err := store.ResetInProgressOnStartup(ctx, now); err != nil {
		return model.TerminalCounts{}, err
	}
	startID, err := store.MaxHistoryID(ctx)
	if err != nil {
		return model.TerminalCounts{}, err
	}

	parsed := parser.ParseInput(input)
	for _, item := range parsed.Items {
		_, err := store.Enqueue(ctx, model.QueueItem{
			URL:             item.NormalizedIdentifier,
			SourceType:      sourceTypeOf(item.Kind),
			OriginalInput:   item.RawInput,
			ParseConfidence:        item.Confidence,
			ParseConfidenceFactors: item.ConfidenceFactors,
			CreatedAt:              now,
			UpdatedAt:              now,
		})
		if err != nil {
			return model.TerminalCounts{}, err
		}
	}
	logger.Info("local.refdl.batch.enqueued",
		"urls", parsed.Summary.URLCount, "dois", parsed.Summary.DOICount,
		"references", parsed.Summary.ReferenceCount, "bibtex", parsed.Summary.BibTexCount,
		"duplicates", parsed.Summary.DuplicateCount)

	credSource, err := keySourceFor(cfg.Credentials)
	if err != nil {
		return model.TerminalCounts{}, err
	}
	credStore := credentials.NewStore(cfg.OutputDir+"/.credentials", credSource)

	engine := download.NewEngine(download.Config{
		UserAgent:      cfg.UserAgent,
		ConnectTimeout: cfg.Timeouts.Connect(),
		ReadTimeout:    cfg.Timeouts.Read(),
		RobotsEnabled:  cfg.Robots.Enabled,
		OutputDir:      cfg.OutputDir,
	}, queue.CredentialSourceFromStore(credStore))

	doiResolver, err := resolver.NewDOIResolver(cfg.Mailto)
	if err != nil {
		return model.TerminalCounts{}, err
	}
	registry := resolver.NewRegistry([]resolver.Resolver{
		resolver.NewDirectURLResolver(),
		doiResolver,
		resolver.NewGenericFallbackResolver(),
	}, &resolver.Context{MailtoIdentifier: cfg.Mailto, Logger: logger})

	limiter := ratelimit.New(ratelimitConfig(cfg), clock.System)
	retryPolicy := retry.NewPolicy(retryConfig(cfg))

	sched := queue.NewScheduler(
		queue.Config{GlobalConcurrency: cfg.Concurrency.Global, GracePeriod: 5 * time.Second, EventFlushEvery: 10, EventFlushPeriod: 100 * time.Millisecond},
		store, registry, limiter, retryPolicy, engine, clock.System, logger,
	)

	reg := prometheus.NewRegistry()
	sched.SetMetrics(httpapi.NewMetrics(reg))

	if apiAddr != "" {
		server := httpapi.NewServer(store, reg, batchID)
		go func() {
			if err := httpapi.Serve(ctx, apiAddr, server.Router()); err != nil {
				logger.Error("local.refdl.api.serve.error", "err", err)
			}
		}()
	}

	if err := sched.Run(ctx); err != nil {
		return model.TerminalCounts{}, err
	}

	return store.CountsSince(ctx, startID)
}

func sourceTypeOf(kind model.InputKind) model.SourceType {
	switch kind {
	case model.KindURL:
		return model.SourceDirectURL
	case model.KindDOI:
		return model.SourceDOI
	default:
		return model.SourceReference
	}
}

func keySourceFor(cfg config.CredentialsConfig) (credentials.KeySource, error) {
	switch cfg.KeySource {
	case "os_keychain":
		return credentials.OSKeychainKeySource{ServiceName: "refdl", ItemKey: "master"}, nil
	case "environment":
		return credentials.EnvKeySource{VarName: cfg.EnvVar}, nil
	case "in_memory":
		return credentials.InMemoryKeySource{Secret: []byte("refdl-ephemeral-session-key-not-persisted")}, nil
	default:
		return nil, fmt.Errorf("unknown credentials.key_source %q", cfg.KeySource)
	}
}

func ratelimitConfig(cfg config.Config) ratelimit.Config {
	overrides := make(map[string]ratelimit.Override, len(cfg.Concurrency.DomainOverrides))
	for host, ov := range cfg.Concurrency.DomainOverrides {
		respect := true
		if ov.RespectRetryAfter != nil {
			respect = *ov.RespectRetryAfter
		}
		overrides[host] = ratelimit.Override{
			MaxConcurrent:     ov.MaxConcurrent,
			MinInterval:       time.Duration(ov.MinIntervalMillis) * time.Millisecond,
			RespectRetryAfter: respect,
		}
	}
	return ratelimit.Config{
		PerOriginDefault: cfg.Concurrency.PerOriginDefault,
		Overrides:        overrides,
	}
}

func retryConfig(cfg config.Config) retry.Config {
	return retry.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialDelay(),
		Multiplier:      cfg.Retry.Multiplier,
		MaxInterval:     cfg.Retry.MaxDelay(),
		Jitter:          cfg.Retry.JitterFraction,
	}
}

// setupColor disables clierr's colored output when stderr isn't an
// attached terminal (e.g. redirected to a file or piped), the same
// NO_COLOR-aware check a color-capable CLI makes before writing escapes
// a non-terminal consumer would see as garbage.
func setupColor() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
		return
	}
	fd := os.Stderr.Fd()
	color.NoColor = !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

func newLogger(verbose int, quiet bool) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case quiet:
		level = slog.LevelError
	case verbose >= 2:
		level = slog.LevelDebug
	case verbose >= 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
