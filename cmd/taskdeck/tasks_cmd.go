package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/taskdeck/internal/lifecycle"
	"github.com/asheshgoplani/taskdeck/internal/statedb"
	"github.com/asheshgoplani/taskdeck/internal/task"
	"github.com/asheshgoplani/taskdeck/internal/ui"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tasksCmd(a *app) *cobra.Command {
	var (
		project  string
		archived bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"ls", "list"},
		Short:   "List tasks with their status dots",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if archived {
				db, err := a.store()
				if err != nil {
					return err
				}
				tasks, err := archivedTasks(ctx, db, project)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, tasks)
				}
				for _, t := range tasks {
					fmt.Fprintf(out, "%s  %s  %s  archived %s\n", t.ID, ui.Truncate(t.Name, 40), t.ProjectID, t.ArchivedAt.Local().Format(time.DateTime))
				}
				return nil
			}

			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			views, err := b.Tasks(ctx, project)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, views)
			}
			if !b.Daemon() {
				fmt.Fprintln(out, ui.DimStyle.Render("daemon not running; dots show stored state only"))
			}
			return ui.RenderTable(out, views, ui.TableOptions{Width: ui.Width(os.Stdout)})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only this project")
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived tasks instead")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <task>",
		Short: "Show one task's status dot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			views, err := b.Tasks(ctx, "")
			if err != nil {
				return err
			}
			tasks := make([]*task.Task, 0, len(views))
			for _, v := range views {
				tasks = append(tasks, v.Task)
			}
			t, err := ui.ResolveTask(tasks, args[0])
			if err != nil {
				return err
			}
			for _, v := range views {
				if v.Task.ID != t.ID {
					continue
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), v)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) busy=%t idle=%s\n",
					ui.RenderDot(v.Dot, 0), v.Task.Name, v.Task.ID, v.Busy, v.Idle)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func createCmd(a *app) *cobra.Command {
	var (
		t         task.Task
		providers []string
		shared    bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t.Name = args[0]
			t.Providers = providers
			t.UseWorktree = !shared
			if t.ProjectPath == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				t.ProjectPath = wd
			}
			if t.Path == "" {
				t.Path = t.ProjectPath
				t.UseWorktree = false
			}
			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			created, err := b.CreateTask(ctx, &t)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&t.ProjectID, "project", "p", "", "project ID (required)")
	cmd.Flags().StringVar(&t.Branch, "branch", "", "branch name")
	cmd.Flags().StringVar(&t.Path, "path", "", "working copy path (default: the project path)")
	cmd.Flags().StringVar(&t.ProjectPath, "project-path", "", "project repository (default: current directory)")
	cmd.Flags().StringSliceVar(&providers, "provider", []string{"claude"}, "agent providers")
	cmd.Flags().BoolVar(&shared, "shared", false, "the task runs in the project repository itself")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func retireCmd(a *app, verb string) *cobra.Command {
	op := lifecycle.OpDelete
	if verb == "archive" {
		op = lifecycle.OpArchive
	}
	var silent bool
	cmd := &cobra.Command{
		Use:   verb + " <task>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a task: stop and tear down its targets, kill its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			views, err := b.Tasks(ctx, "")
			if err != nil {
				return err
			}
			tasks := make([]*task.Task, 0, len(views))
			for _, v := range views {
				tasks = append(tasks, v.Task)
			}
			t, err := ui.ResolveTask(tasks, args[0])
			if err != nil {
				return err
			}
			issues, err := b.Retire(ctx, op, t.ID, silent)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, is := range issues {
				fmt.Fprintln(out, ui.WarningStyle.Render("! "+is.String()))
			}
			fmt.Fprintln(out, ui.SuccessStyle.Render(fmt.Sprintf("%s %q", pastTense(op), t.Name)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&silent, "silent", false, "suppress notices")
	return cmd
}

func pastTense(op lifecycle.Op) string {
	switch op {
	case lifecycle.OpArchive:
		return "Archived"
	case lifecycle.OpRestore:
		return "Restored"
	}
	return "Deleted"
}

func restoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <task>",
		Short: "Restore an archived task and run its setup scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.store()
			if err != nil {
				return err
			}
			tasks, err := archivedTasks(ctx, db, "")
			if err != nil {
				return err
			}
			t, err := ui.ResolveTask(tasks, args[0])
			if err != nil {
				return err
			}
			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			restored, err := b.Restore(ctx, t.ID)
			if err != nil {
				return err
			}
			if restored == nil {
				return fmt.Errorf("task %s vanished during restore", t.ID)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessStyle.Render(fmt.Sprintf("%s %q", pastTense(lifecycle.OpRestore), restored.Name)))
			return nil
		},
	}
}

// archivedTasks reads archived tasks straight from the store; the daemon
// only tracks active ones.
func archivedTasks(ctx context.Context, db *statedb.StateDB, project string) ([]*task.Task, error) {
	projects := []string{project}
	if project == "" {
		var err error
		if projects, err = db.ListProjects(ctx); err != nil {
			return nil, err
		}
	}
	var out []*task.Task
	for _, p := range projects {
		ts, err := db.ListArchived(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
	return out, nil
}
