// Package model holds the registry of synced models and their per-model controllers.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/store"
)

var (
	ErrUnknownModel = errors.New("model: unknown model")
	ErrInvalidModel = errors.New("model: invalid model config")
	ErrInvalidData  = errors.New("model: payload is not valid JSON")
)

// Config describes one model.
type Config struct {
	ID      string  `json:"id"`
	Version float64 `json:"version"`
	// IsMainFileModel models are inlined into the remote meta object in main file mode.
	IsMainFileModel bool `json:"main_file"`
	// IsLocalOnly models are never synced.
	IsLocalOnly bool `json:"local_only"`
	// Default is returned by Load when nothing has been saved yet.
	Default json.RawMessage `json:"default,omitempty"`
}

func (c Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidModel)
	}
	if store.IsReserved(c.ID) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidModel, c.ID)
	}
	if c.Version < 0 {
		return fmt.Errorf("%w: %q has negative version", ErrInvalidModel, c.ID)
	}
	if len(c.Default) > 0 && !json.Valid(c.Default) {
		return fmt.Errorf("%w: %q default is not valid JSON", ErrInvalidModel, c.ID)
	}
	return nil
}

// SaveOptions say where a save came from.
type SaveOptions struct {
	// IsSync marks data written by the sync engine. It does not touch the meta record.
	IsSync bool
	// IsImport marks data restored from a backup or import.
	IsImport bool
	// SkipMetaUpdate stores the data without recording a local change.
	SkipMetaUpdate bool
}

// ChangeEvent is published after every successful local write.
type ChangeEvent struct {
	ModelID  string
	Data     json.RawMessage
	IsSync   bool
	IsImport bool
	IsReset  bool
}

// Ctrl reads and writes the payload of a single model.
type Ctrl struct {
	cfg      Config
	kv       store.Store
	meta     *meta.Store
	cache    *lru.Cache[string, json.RawMessage]
	onChange func(ChangeEvent)
}

func (c *Ctrl) ID() string {
	return c.cfg.ID
}

func (c *Ctrl) Config() Config {
	return c.cfg
}

// Save stores data and, unless the write came from sync, records the change in the meta record.
func (c *Ctrl) Save(ctx context.Context, data json.RawMessage, opts SaveOptions) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: %s", ErrInvalidData, c.cfg.ID)
	}

	if err := c.kv.Save(ctx, c.cfg.ID, data); err != nil {
		return fmt.Errorf("save model %s: %w", c.cfg.ID, err)
	}
	c.cache.Add(c.cfg.ID, append(json.RawMessage(nil), data...))

	if !c.cfg.IsLocalOnly && !opts.IsSync && !opts.SkipMetaUpdate {
		if err := c.meta.OnModelSave(ctx, c.cfg.ID, c.cfg.Version); err != nil {
			return fmt.Errorf("update meta for %s: %w", c.cfg.ID, err)
		}
	}

	slog.Debug("model saved", "model", c.cfg.ID, "size", humanize.Bytes(uint64(len(data))),
		"sync", opts.IsSync, "import", opts.IsImport)

	c.onChange(ChangeEvent{
		ModelID:  c.cfg.ID,
		Data:     data,
		IsSync:   opts.IsSync,
		IsImport: opts.IsImport,
	})
	return nil
}

// Load returns the stored payload, the configured default, or JSON null.
func (c *Ctrl) Load(ctx context.Context) (json.RawMessage, error) {
	if v, ok := c.cache.Get(c.cfg.ID); ok {
		return append(json.RawMessage(nil), v...), nil
	}

	raw, err := c.kv.Load(ctx, c.cfg.ID)
	if errors.Is(err, store.ErrNotFound) {
		if len(c.cfg.Default) > 0 {
			return append(json.RawMessage(nil), c.cfg.Default...), nil
		}
		return json.RawMessage("null"), nil
	} else if err != nil {
		return nil, fmt.Errorf("load model %s: %w", c.cfg.ID, err)
	}

	c.cache.Add(c.cfg.ID, raw)
	return append(json.RawMessage(nil), raw...), nil
}

// Reset drops the stored payload. Used when a model was deleted remotely.
func (c *Ctrl) Reset(ctx context.Context) error {
	if err := c.kv.Remove(ctx, c.cfg.ID); err != nil {
		return fmt.Errorf("reset model %s: %w", c.cfg.ID, err)
	}
	c.cache.Remove(c.cfg.ID)
	slog.Debug("model reset", "model", c.cfg.ID)

	c.onChange(ChangeEvent{ModelID: c.cfg.ID, IsSync: true, IsReset: true})
	return nil
}
