package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/client"
	"github.com/openmined/pfsync/internal/controlplane/handlers"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/spf13/cobra"
)

type statusOutput struct {
	Client    *handlers.ClientInfo `json:"client"`
	Local     *meta.LocalMeta      `json:"local"`
	Remote    *meta.RemoteMeta     `json:"remote,omitempty"`
	RemoteRev string               `json:"remoteRev,omitempty"`
	Synced    bool                 `json:"synced"`
}

func newStatusCmd(a *app) *cobra.Command {
	var remote bool

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the client identity and the local meta record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				info, err := c.Info(ctx)
				if err != nil {
					return err
				}
				local, err := c.LocalMeta(ctx)
				if err != nil {
					return err
				}
				out := &statusOutput{Client: info, Local: local, Synced: local.IsSynced()}

				if remote {
					out.Remote, out.RemoteRev, err = c.RemoteMeta(ctx)
					if err != nil {
						return err
					}
				}
				return printJSON(cmd, out)
			})
		},
	}
	statusCmd.Flags().BoolVarP(&remote, "remote", "r", false, "also fetch the remote meta object")
	return statusCmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
