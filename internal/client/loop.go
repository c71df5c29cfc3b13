package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/sync"
)

// Run checks for a stray backup, syncs once, then syncs on every interval tick and shortly after
// local edits until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	interval := time.Duration(c.config.SyncInterval)
	slog.Info("pfsync client start",
		"datadir", c.config.DataDir,
		"client", c.syncCtx.ClientID,
		"provider", c.syncer.ProviderID(),
		"mode", c.syncer.Mode(),
		"interval", interval,
	)

	if err := c.CheckStrayBackup(ctx); err != nil {
		slog.Error("stray backup check", "error", err)
	}

	changes := c.registry.Subscribe()
	defer c.registry.Unsubscribe(changes)

	c.syncOnce(ctx, "startup")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pfsync client stop")
			return nil

		case <-ticker.C:
			c.syncOnce(ctx, "interval")

		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if !c.triggersSync(ev) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(c.debounce)
			} else {
				debounce.Reset(c.debounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			c.syncOnce(ctx, "change")
		}
	}
}

func (c *Client) triggersSync(ev model.ChangeEvent) bool {
	if ev.IsSync || ev.IsImport {
		return false
	}
	ctrl, err := c.registry.Get(ev.ModelID)
	if err != nil {
		return false
	}
	return !ctrl.Config().IsLocalOnly
}

func (c *Client) syncOnce(ctx context.Context, trigger string) {
	res, err := c.Sync(ctx)
	switch {
	case err == nil:
	case errors.Is(err, sync.ErrSyncAlreadyRunning):
		slog.Debug("sync skipped, already running", "trigger", trigger)
		return
	case ctx.Err() != nil:
		return
	default:
		slog.Error("sync", "trigger", trigger, "error", err)
		return
	}

	switch res.Status {
	case sync.StatusConflict:
		slog.Warn("sync conflict, resolve with upload-all or download-all",
			"reason", res.Conflict.Reason, "trigger", trigger)
	case sync.StatusIncompleteRemoteData:
		slog.Warn("remote data incomplete, another client may still be uploading", "trigger", trigger)
	case sync.StatusNotConfigured:
		slog.Debug("sync not configured", "trigger", trigger)
	}
}
