package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func exportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write every task and its lifecycle bookkeeping to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.store()
			if err != nil {
				return err
			}
			n, err := db.ExportJSON(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d tasks to %s\n", n, args[0])
			return nil
		},
	}
}

func importCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load tasks from a JSON export; existing IDs are overwritten",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.store()
			if err != nil {
				return err
			}
			n, err := db.ImportJSON(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d tasks from %s\n", n, args[0])
			if addr, _ := db.PrimaryAddr(cmd.Context()); addr != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "restart the daemon to pick up imported tasks")
			}
			return nil
		},
	}
}
