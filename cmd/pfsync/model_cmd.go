package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/client"
	"github.com/spf13/cobra"
)

func newModelCmd(a *app) *cobra.Command {
	modelCmd := &cobra.Command{
		Use:   "model",
		Short: "Read or write a model payload",
	}
	modelCmd.AddCommand(newModelGetCmd(a), newModelSetCmd(a))
	return modelCmd
}

func newModelGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print the JSON payload of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				data, err := c.GetModel(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			})
		},
	}
}

func newModelSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <file|->",
		Short: "Replace the payload of a model with the JSON in file, or stdin for -",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.SetModel(ctx, args[0], json.RawMessage(data)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s saved\n", green("model:"), args[0])
				return nil
			})
		},
	}
}

func readInput(cmd *cobra.Command, src string) ([]byte, error) {
	if src == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(src)
}
