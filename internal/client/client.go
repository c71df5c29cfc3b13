// Package client hosts the sync engine: it owns the local store, runs the periodic sync loop and
// exposes the operations the control plane and the CLI drive.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/openmined/pfsync/internal/backup"
	"github.com/openmined/pfsync/internal/codec"
	"github.com/openmined/pfsync/internal/config"
	"github.com/openmined/pfsync/internal/controlplane/handlers"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/store"
	"github.com/openmined/pfsync/internal/sync"
	"github.com/openmined/pfsync/internal/utils"
)

const (
	dbFileName   = "pfsync.db"
	lockFileName = "pfsync.lock"

	// local edits are batched for this long before they trigger a sync
	defaultChangeDebounce = 2 * time.Second
)

var ErrDataDirLocked = errors.New("data dir locked by another process")

var _ handlers.Engine = (*Client)(nil)

type options struct {
	kv       store.Store
	provider provider.Provider
	clock    func() time.Time
}

type Option func(*options)

// WithStore replaces the sqlite store under the data dir.
func WithStore(kv store.Store) Option {
	return func(o *options) { o.kv = kv }
}

// WithProvider replaces the provider built from the config.
func WithProvider(p provider.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithClock replaces the clock used for meta timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

type Client struct {
	config    *config.Config
	kv        store.Store
	syncCtx   *meta.SyncContext
	registry  *model.Registry
	backup    *backup.Service
	syncer    *sync.Syncer
	tracker   *sync.Tracker
	dirLock   *flock.Flock
	startedAt time.Time

	running  gosync.Mutex
	debounce time.Duration
}

// New locks the data dir and wires store, meta, models, codec, provider and syncer.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := utils.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dirLock := flock.New(filepath.Join(cfg.DataDir, lockFileName))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data dir: %w", err)
	}
	if !locked {
		return nil, ErrDataDirLocked
	}

	c := &Client{
		config:    cfg,
		dirLock:   dirLock,
		tracker:   sync.NewTracker(),
		startedAt: time.Now(),
		debounce:  defaultChangeDebounce,
	}
	if err := c.init(ctx, &o); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) init(ctx context.Context, o *options) error {
	var err error

	c.kv = o.kv
	if c.kv == nil {
		if c.kv, err = store.OpenSqliteStore(filepath.Join(c.config.DataDir, dbFileName)); err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
	}

	var metaOpts []meta.Option
	if c.config.CrossModelVersion > 0 {
		metaOpts = append(metaOpts, meta.WithCrossModelVersion(c.config.CrossModelVersion))
	}
	if o.clock != nil {
		metaOpts = append(metaOpts, meta.WithClock(o.clock))
	}
	if c.syncCtx, err = meta.NewSyncContext(ctx, c.kv, metaOpts...); err != nil {
		return err
	}

	if c.registry, err = model.NewRegistry(c.kv, c.syncCtx.Meta, c.config.Models); err != nil {
		return err
	}
	c.backup = backup.NewService(c.kv, c.registry, c.syncCtx.Meta)

	p := o.provider
	if p == nil {
		if p, err = NewProvider(ctx, c.config); err != nil {
			return fmt.Errorf("failed to create provider: %w", err)
		}
	}

	mode := sync.ModeMultiFile
	if c.config.MainFileMode {
		mode = sync.ModeMainFile
	}

	c.syncer, err = sync.NewSyncer(sync.Options{
		Provider:    p,
		SyncContext: c.syncCtx,
		Registry:    c.registry,
		Codec:       codec.New(c.codecSettings),
		Backup:      c.backup,
		Mode:        mode,
	})
	return err
}

func (c *Client) codecSettings() (*codec.Settings, error) {
	return &codec.Settings{
		Compress:   c.config.Compress,
		Encrypt:    c.config.Encrypt,
		EncryptKey: c.config.EncryptKey,
	}, nil
}

// Close releases the store and the data dir lock.
func (c *Client) Close() error {
	var errs []error
	if c.kv != nil {
		errs = append(errs, c.kv.Close())
	}
	if c.dirLock != nil && c.dirLock.Locked() {
		errs = append(errs, c.dirLock.Unlock())
		if err := os.Remove(c.dirLock.Path()); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// exclusive runs fn unless another sync operation is in flight.
func (c *Client) exclusive(op string, fn func() (*sync.Result, error)) (*sync.Result, error) {
	if !c.running.TryLock() {
		return nil, sync.ErrSyncAlreadyRunning
	}
	defer c.running.Unlock()

	c.tracker.Begin(op)
	res, err := fn()
	c.tracker.Finish(res, err)
	return res, err
}

// Sync runs one sync pass.
func (c *Client) Sync(ctx context.Context) (*sync.Result, error) {
	return c.exclusive("sync", func() (*sync.Result, error) {
		return c.syncer.Sync(ctx)
	})
}

// UploadAll overwrites the remote with every local model. Resolves a conflict in favour of local.
func (c *Client) UploadAll(ctx context.Context) error {
	_, err := c.exclusive("upload-all", func() (*sync.Result, error) {
		if err := c.syncer.UploadAll(ctx, false); err != nil {
			return nil, err
		}
		return &sync.Result{Status: sync.StatusUpdateRemoteAll}, nil
	})
	return err
}

// DownloadAll overwrites every local model with the remote. Resolves a conflict in favour of remote.
func (c *Client) DownloadAll(ctx context.Context) error {
	_, err := c.exclusive("download-all", func() (*sync.Result, error) {
		if err := c.syncer.DownloadAll(ctx, false); err != nil {
			return nil, err
		}
		return &sync.Result{Status: sync.StatusUpdateLocalAll}, nil
	})
	return err
}

func (c *Client) Snapshot() sync.Snapshot {
	return c.tracker.Snapshot()
}

// Tracker exposes run notifications.
func (c *Client) Tracker() *sync.Tracker {
	return c.tracker
}

func (c *Client) Info(ctx context.Context) (*handlers.ClientInfo, error) {
	return &handlers.ClientInfo{
		ClientID:  c.syncCtx.ClientID,
		Provider:  c.syncer.ProviderID(),
		Mode:      c.syncer.Mode(),
		DataDir:   c.config.DataDir,
		Models:    c.registry.IDs(),
		StartedAt: c.startedAt,
	}, nil
}

func (c *Client) LocalMeta(ctx context.Context) (*meta.LocalMeta, error) {
	return c.syncCtx.Meta.Load(ctx)
}

func (c *Client) RemoteMeta(ctx context.Context) (*meta.RemoteMeta, string, error) {
	return c.syncer.RemoteMeta(ctx)
}

// Backup returns the stray pre-import backup, or nil.
func (c *Client) Backup(ctx context.Context) (*backup.Backup, error) {
	return c.backup.CheckStray(ctx)
}

func (c *Client) RestoreBackup(ctx context.Context) error {
	_, err := c.exclusive("restore-backup", func() (*sync.Result, error) {
		return nil, c.backup.Restore(ctx)
	})
	return err
}

func (c *Client) ClearBackup(ctx context.Context) error {
	return c.backup.Clear(ctx)
}

func (c *Client) GetModel(ctx context.Context, id string) (json.RawMessage, error) {
	ctrl, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return ctrl.Load(ctx)
}

// SetModel stores a local edit. The change is picked up by the next sync.
func (c *Client) SetModel(ctx context.Context, id string, data json.RawMessage) error {
	ctrl, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	return ctrl.Save(ctx, data, model.SaveOptions{})
}

// CheckStrayBackup restores or reports a backup left behind by an interrupted import.
func (c *Client) CheckStrayBackup(ctx context.Context) error {
	b, err := c.backup.CheckStray(ctx)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	if !c.config.RestoreStrayBackup {
		slog.Warn("stray backup found, restore it with 'pfsync backup restore'",
			"created", b.CreatedAt, "models", b.ModelIDs())
		return nil
	}
	slog.Warn("stray backup found, restoring", "created", b.CreatedAt, "models", b.ModelIDs())
	return c.RestoreBackup(ctx)
}
