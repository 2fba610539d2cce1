// Command taskbox serves the task runner API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/maruel/taskbox/backend/internal/auth"
	"github.com/maruel/taskbox/backend/internal/config"
	"github.com/maruel/taskbox/backend/internal/container"
	"github.com/maruel/taskbox/backend/internal/runner"
	"github.com/maruel/taskbox/backend/internal/server"
	"github.com/maruel/taskbox/backend/internal/store"
)

func mainImpl() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	defPath, err := config.Path()
	if err != nil {
		defPath = ""
	}
	cfgPath := flag.String("config", defPath, "TOML configuration file")
	addr := flag.String("http", "", "listen address, e.g. localhost:8080")
	db := flag.String("db", "", "sqlite database path")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	backend := flag.String("backend", "", "run backend: process or container")
	maxRuns := flag.Int("max-concurrent-runs", 0, "max simultaneous agent runs (0=unlimited)")
	maxTurns := flag.Int("max-turns", 0, "max agentic turns per run (0=unlimited)")
	model := flag.String("model", "", "agent model")
	printToken := flag.Duration("print-token", 0, "print an API token valid for this long and exit")
	flag.Parse()
	if args := flag.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %v", args)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	// Only flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTP = *addr
		case "db":
			cfg.DB = *db
		case "log-level":
			cfg.LogLevel = *logLevel
		case "backend":
			cfg.Backend = *backend
		case "max-concurrent-runs":
			cfg.MaxConcurrentRuns = *maxRuns
		case "max-turns":
			cfg.MaxTurns = *maxTurns
		case "model":
			cfg.Model = *model
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	initLogging(cfg.LogLevel)

	if *printToken > 0 {
		v := auth.New(cfg.AuthSecret)
		if !v.Enabled() {
			return errors.New("auth_secret is not configured")
		}
		tok, err := v.Sign("cli", *printToken)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	}

	// Exit when executable is rebuilt (systemd restarts the service).
	if err := watchExecutable(ctx, cancel); err != nil {
		slog.Warn("failed to watch executable", "err", err)
	}
	return serveHTTP(ctx, cfg)
}

func serveHTTP(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	r := runner.New(&container.Docker{Bin: cfg.Docker}, runner.Backend(cfg.Backend))
	r.CredentialsDir = cfg.CredentialsDir
	r.APIKey = cfg.APIKey
	r.Model = cfg.Model
	r.MaxTurns = cfg.MaxTurns
	r.StopGrace = time.Duration(cfg.StopGrace)
	r.TranscriptDir = cfg.LogDir

	srv := server.New(ctx, &server.Options{
		Store:             st,
		Runner:            r,
		Auth:              auth.New(cfg.AuthSecret),
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
	})
	if err := srv.Recover(ctx); err != nil {
		return fmt.Errorf("recover unfinished tasks: %w", err)
	}
	slog.Info("starting", "db", cfg.DB, "backend", cfg.Backend, "max_runs", cfg.MaxConcurrentRuns)
	err = srv.ListenAndServe(ctx, cfg.HTTP)
	// Runs must be recorded before the store closes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.StopGrace)+5*time.Second)
	defer shutdownCancel()
	if err2 := srv.Shutdown(shutdownCtx); err2 != nil { //nolint:contextcheck // ctx is already cancelled at shutdown time
		slog.Warn("shutdown", "err", err2)
	}
	return err
}

// initLogging configures slog with tint for colored, concise output.
// Timestamps are omitted under systemd (JOURNAL_STREAM), and zero-value
// attributes are dropped.
func initLogging(level string) {
	ll := &slog.LevelVar{}
	switch level {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	}
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	slog.SetDefault(slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			if isZero(a.Value.Any()) {
				return slog.Attr{}
			}
			return a
		},
	})))
}

func isZero(v any) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case bool:
		return !t
	case int64:
		return t == 0
	case uint64:
		return t == 0
	case float64:
		return t == 0
	case time.Time:
		return t.IsZero()
	case time.Duration:
		return t == 0
	case nil:
		return true
	}
	return false
}

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "taskbox: %v\n", err)
		os.Exit(1)
	}
}

// watchExecutable calls stop when the current executable is replaced, so a
// rebuild triggers a graceful shutdown and systemd's Restart=always starts
// the new binary.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.Info("executable modified, shutting down")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("error watching executable", "err", err)
			}
		}
	}()
	return nil
}
