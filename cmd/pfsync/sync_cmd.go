package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmined/pfsync/internal/client"
	"github.com/openmined/pfsync/internal/sync"
	"github.com/spf13/cobra"
)

func (a *app) openClient(ctx context.Context) (*client.Client, error) {
	c, err := client.New(ctx, a.cfg)
	if errors.Is(err, client.ErrDataDirLocked) {
		return nil, fmt.Errorf("%w: stop the daemon or use its control plane at http://%s", err, a.cfg.ControlPlane.Addr)
	}
	return c, err
}

// withClient opens the client for the duration of fn.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()

	c, err := a.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				res, err := c.Sync(ctx)
				if err != nil {
					return err
				}
				printResult(cmd, res)
				return nil
			})
		},
	}
}

func newUploadAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload-all",
		Short: "Overwrite the remote with every local model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.UploadAll(ctx); err != nil {
					return err
				}
				printResult(cmd, &sync.Result{Status: sync.StatusUpdateRemoteAll})
				return nil
			})
		},
	}
}

func newDownloadAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download-all",
		Short: "Overwrite every local model with the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.DownloadAll(ctx); err != nil {
					return err
				}
				printResult(cmd, &sync.Result{Status: sync.StatusUpdateLocalAll})
				return nil
			})
		},
	}
}

func printResult(cmd *cobra.Command, res *sync.Result) {
	out := cmd.OutOrStdout()
	switch res.Status {
	case sync.StatusConflict:
		fmt.Fprintf(out, "%s %s (%s)\n", red("sync:"), res.Status, res.Conflict.Reason)
		fmt.Fprintf(out, "resolve with %s to keep local data or %s to keep remote data\n",
			cyan("pfsync upload-all"), cyan("pfsync download-all"))
	case sync.StatusIncompleteRemoteData:
		fmt.Fprintf(out, "%s %s, another client may still be uploading\n", yellow("sync:"), res.Status)
	case sync.StatusNotConfigured:
		fmt.Fprintf(out, "%s %s, set a provider in the config file\n", yellow("sync:"), res.Status)
	default:
		fmt.Fprintf(out, "%s %s\n", green("sync:"), res.Status)
	}
}
