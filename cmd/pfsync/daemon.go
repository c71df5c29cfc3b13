package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/openmined/pfsync/internal/client"
	"github.com/openmined/pfsync/internal/config"
	"github.com/openmined/pfsync/internal/controlplane"
	"github.com/openmined/pfsync/internal/version"
	"github.com/spf13/cobra"
)

const daemonCmdName = "daemon"

func addDaemonFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("http-addr", "a", config.DefaultControlAddr, "Address to bind the control plane")
	cmd.Flags().StringP("http-token", "t", "", "Access token for the control plane")
}

func newDaemonCmd(a *app) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   daemonCmdName,
		Short: "Run the sync loop and the control plane",
		RunE:  a.runDaemon,
	}
	addDaemonFlags(daemonCmd)
	return daemonCmd
}

func isDaemonCmd(cmd *cobra.Command) bool {
	return !cmd.HasParent() || cmd.Name() == daemonCmdName
}

func (a *app) runDaemon(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()

	slog.Info("pfsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
	slog.Info("daemon using config", "path", a.cfg.Path, "provider", a.cfg.Provider)

	c, err := a.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	daemon, err := client.NewDaemon(c, &controlplane.Config{
		Addr:  a.cfg.ControlPlane.Addr,
		Token: a.cfg.ControlPlane.Token,
	})
	if err != nil {
		return err
	}

	defer slog.Info("Bye!")
	if err := daemon.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon start", "error", err)
		return err
	}
	return nil
}
