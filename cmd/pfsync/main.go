package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/openmined/pfsync/internal/config"
	"github.com/openmined/pfsync/internal/utils"
	"github.com/openmined/pfsync/internal/version"
	"github.com/spf13/cobra"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

// app carries the loaded config from the root pre-run to the subcommands.
type app struct {
	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:     "pfsync",
		Short:   "Keep app models in sync through a remote storage provider",
		Version: version.Detailed(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
		RunE: a.runDaemon,
	}

	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "pfsync config file")
	rootCmd.PersistentFlags().StringP("datadir", "d", "", "pfsync data directory")
	rootCmd.PersistentFlags().StringP("provider", "p", "", "storage provider: memory, localfs, s3 or webdav")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	addDaemonFlags(rootCmd)

	rootCmd.AddCommand(
		newDaemonCmd(a),
		newSyncCmd(a),
		newUploadAllCmd(a),
		newDownloadAllCmd(a),
		newStatusCmd(a),
		newModelCmd(a),
		newBackupCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a.cfg = cfg

	// one-shot commands print results on stdout, keep logs off it
	console := os.Stderr
	if isDaemonCmd(cmd) {
		console = os.Stdout
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	closer, err := utils.SetupLogger(utils.LogOptions{
		File:    filepath.Join(cfg.DataDir, "logs", "pfsync.log"),
		Verbose: verbose,
		Console: console,
	})
	if err != nil {
		return err
	}
	a.logCloser = closer
	return nil
}

func (a *app) teardown() error {
	if a.logCloser == nil {
		return nil
	}
	err := a.logCloser.Close()
	a.logCloser = nil
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
