package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/taskdeck/internal/taskstate"
	"github.com/asheshgoplani/taskdeck/internal/ui"
)

func watchCmd(a *app) *cobra.Command {
	var (
		project  string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of task status dots (needs a running daemon)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			if !b.Daemon() {
				return errors.New("no daemon running; start one with 'taskdeck serve'")
			}
			client := b.(daemonBackend).Client
			return ui.RunWatch(ctx, func(ctx context.Context) ([]taskstate.TaskView, error) {
				return client.Tasks(ctx, project)
			}, interval)
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only this project")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	return cmd
}
