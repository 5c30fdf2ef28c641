// Command taskdeck tracks agent tasks: live status dots, lifecycle
// scripts and teardown of their sessions and working copies.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/taskdeck/internal/config"
	"github.com/asheshgoplani/taskdeck/internal/logging"
	"github.com/asheshgoplani/taskdeck/internal/statedb"
	"github.com/asheshgoplani/taskdeck/internal/ui"
)

var version = "dev"

// app carries the resolved home, config and store for one invocation.
type app struct {
	home    string
	cfgPath string
	cfg     *config.Config
	db      *statedb.StateDB
}

func (a *app) load() error {
	if a.home == "" {
		home, err := config.HomeDir()
		if err != nil {
			return err
		}
		a.home = home
	}
	if a.cfgPath == "" {
		a.cfgPath = filepath.Join(a.home, config.FileName)
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// store opens and migrates the state database on first use.
func (a *app) store() (*statedb.StateDB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if err := os.MkdirAll(a.home, 0o755); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}
	db, err := statedb.Open(filepath.Join(a.home, statedb.FileName))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "taskdeck",
		Short:         "Track agent tasks and their live status",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ui.InitColorProfile()
			if err := a.load(); err != nil {
				return err
			}
			ui.InitTheme(a.cfg.Theme)
			// Commands other than serve log to the file only.
			if cmd.Name() != "serve" {
				logging.Init(a.cfg.LoggingConfig(a.home, false))
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.home, "home", "", "state directory (default $TASKDECK_HOME or ~/.taskdeck)")
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default <home>/config.toml)")

	root.AddCommand(
		serveCmd(a),
		tasksCmd(a),
		statusCmd(a),
		createCmd(a),
		retireCmd(a, "delete"),
		retireCmd(a, "archive"),
		restoreCmd(a),
		watchCmd(a),
		configCmd(a),
		exportCmd(a),
		importCmd(a),
	)
	return root
}

// run executes one command line and releases the store afterwards.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	defer a.close()
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logging.Shutdown()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, ui.ErrorStyle.Render("Error: "+err.Error()))
		}
		logging.Shutdown()
		stop()
		os.Exit(1)
	}
}
