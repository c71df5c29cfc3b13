package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openmined/pfsync/internal/client"
	"github.com/spf13/cobra"
)

func newBackupCmd(a *app) *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect the backup left behind by an interrupted download",
	}
	backupCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the stray backup, if any",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
					b, err := c.Backup(ctx)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					if b == nil {
						fmt.Fprintln(out, green("backup:"), "none")
						return nil
					}
					fmt.Fprintln(out, yellow("backup:"), "created", b.CreatedAt.Local().Format(time.RFC3339))
					fmt.Fprintln(out, yellow("models:"), strings.Join(b.ModelIDs(), ", "))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Write the stray backup back to the local models",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
					if err := c.RestoreBackup(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), green("backup:"), "restored")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Drop the stray backup",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
					if err := c.ClearBackup(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), green("backup:"), "cleared")
					return nil
				})
			},
		},
	)
	return backupCmd
}
