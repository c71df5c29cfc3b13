package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/pfsync/internal/controlplane"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Daemon runs the sync loop and the control plane side by side.
type Daemon struct {
	client *Client
	cps    *controlplane.Server
}

// NewDaemon wires the control plane to c. An empty cfg address runs without a control plane.
func NewDaemon(c *Client, cfg *controlplane.Config) (*Daemon, error) {
	d := &Daemon{client: c}
	if cfg != nil && cfg.Addr != "" {
		cps, err := controlplane.NewServer(cfg, c)
		if err != nil {
			return nil, err
		}
		d.cps = cps
	}
	return d, nil
}

func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("client daemon start")

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := d.client.Run(egCtx); err != nil {
			return fmt.Errorf("sync loop: %w", err)
		}
		return nil
	})

	if d.cps != nil {
		eg.Go(func() error {
			if err := d.cps.Start(egCtx); err != nil {
				return fmt.Errorf("failed to start control plane: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("stopping client daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return d.Stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client daemon failure", "error", err)
		return err
	}

	slog.Info("client daemon stopped")
	return nil
}

func (d *Daemon) Stop(ctx context.Context) error {
	if d.cps == nil {
		return nil
	}
	if err := d.cps.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop control plane: %w", err)
	}
	return nil
}
