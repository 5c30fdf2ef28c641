package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/taskdeck/internal/logging"
	"github.com/asheshgoplani/taskdeck/internal/statedb"
	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/taskstate"
	"github.com/asheshgoplani/taskdeck/internal/tmux"
	"github.com/asheshgoplani/taskdeck/internal/web"
)

var serveLog = logging.ForComponent(logging.CompSession)

// ErrAlreadyRunning is returned when another serve holds the primary slot.
var ErrAlreadyRunning = errors.New("another taskdeck daemon is already running")

const (
	heartbeatInterval = 10 * time.Second
	tapInterval       = 2 * time.Second
)

func serveCmd(a *app) *cobra.Command {
	var (
		listen string
		token  string
		noTmux bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: status tracking, HTTP API and tmux output tap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				a.cfg.Web.Listen = listen
			}
			if token != "" {
				a.cfg.Web.Token = token
			}
			logging.Init(a.cfg.LoggingConfig(a.home, true))
			return serve(cmd.Context(), a, !noTmux)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides [web].listen)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the API (overrides [web].token)")
	cmd.Flags().BoolVar(&noTmux, "no-tmux", false, "do not tap tmux sessions for output")
	return cmd
}

func serve(ctx context.Context, a *app, withTmux bool) error {
	db, err := a.store()
	if err != nil {
		return err
	}

	hooks, err := status.NewHookSource(a.cfg.HooksDir(a.home))
	if err != nil {
		return fmt.Errorf("hook source: %w", err)
	}
	if err := hooks.Start(ctx); err != nil {
		return fmt.Errorf("start hook source: %w", err)
	}
	defer hooks.Stop()

	svc, err := taskstate.New(taskstate.Options{Config: a.cfg, Store: db, Protocol: hooks})
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.Load(ctx); err != nil {
		return err
	}

	srv := web.NewServer(web.Config{
		ListenAddr: a.cfg.Web.Listen,
		Token:      a.cfg.Web.Token,
		IngestRate: a.cfg.Web.IngestRate,
	}, svc)
	ln, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	addr := ln.Addr().String()

	if err := claimPrimary(ctx, db, addr); err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = db.ResignPrimary(cleanup)
		_ = db.UnregisterDaemon(cleanup)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go heartbeat(runCtx, db)
	go dumpOnSignal(runCtx, a.home)

	if withTmux {
		if err := tmux.IsAvailable(ctx); err != nil {
			serveLog.Warn("tmux_tap_disabled", slog.String("error", err.Error()))
		} else {
			tap := tmux.NewTap(runCtx, "", svc.TmuxCallbacks())
			defer tap.Close()
			go tap.Run(runCtx, tapInterval)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	fmt.Printf("taskdeck serving on http://%s\n", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

// claimPrimary registers this process and takes the primary slot, failing
// when a live daemon already holds it.
func claimPrimary(ctx context.Context, db *statedb.StateDB, addr string) error {
	if err := db.CleanDeadDaemons(ctx, statedb.DaemonTimeout); err != nil {
		serveLog.Warn("clean_dead_daemons_failed", slog.String("error", err.Error()))
	}
	if err := db.RegisterDaemon(ctx, addr); err != nil {
		return fmt.Errorf("register daemon: %w", err)
	}
	primary, err := db.ElectPrimary(ctx, statedb.DaemonTimeout)
	if err != nil {
		_ = db.UnregisterDaemon(ctx)
		return fmt.Errorf("elect primary: %w", err)
	}
	if !primary {
		_ = db.UnregisterDaemon(ctx)
		existing, _ := db.PrimaryAddr(ctx)
		return fmt.Errorf("%w at %s", ErrAlreadyRunning, existing)
	}
	serveLog.Info("daemon_primary", slog.String("addr", addr), slog.Int("pid", os.Getpid()))
	return nil
}

func heartbeat(ctx context.Context, db *statedb.StateDB) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Heartbeat(ctx); err != nil {
				serveLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// dumpOnSignal writes the log ring buffer to <home>/crash-<ts>.log on
// SIGUSR1.
func dumpOnSignal(ctx context.Context, home string) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			path := filepath.Join(home, fmt.Sprintf("crash-%s.log", time.Now().Format("20060102-150405")))
			if err := logging.DumpRingBuffer(path); err != nil {
				serveLog.Error("ring_dump_failed", slog.String("error", err.Error()))
				continue
			}
			serveLog.Info("ring_dumped", slog.String("path", path))
		}
	}
}
