// Package sync reconciles the local models with a remote storage provider.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/pfsync/internal/backup"
	"github.com/openmined/pfsync/internal/codec"
	"github.com/openmined/pfsync/internal/lock"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/rev"
	"github.com/openmined/pfsync/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	// MetaKey is the remote path of the meta object.
	MetaKey = store.KeyMeta

	// updateAllRev fills the fake local rev map of UploadAll so every model differs from remote.
	updateAllRev = "UPDATE_ALL_REV"

	maxUploadAllAttempts = 2
	largeMetaWarnSize    = 200_000
)

// Options wire a Syncer.
type Options struct {
	// Provider may be nil, Sync then reports NotConfigured.
	Provider    provider.Provider
	SyncContext *meta.SyncContext
	Registry    *model.Registry
	Codec       *codec.Codec
	// Backup is optional. When set, downloads snapshot the models before writing them.
	Backup *backup.Service
	Mode   Mode
}

// Syncer runs sync passes. A Syncer must not run two passes at the same time.
type Syncer struct {
	provider provider.Provider
	clientID string
	meta     *meta.Store
	registry *model.Registry
	codec    *codec.Codec
	backup   *backup.Service
	lock     *lock.Coordinator
	strategy strategy
}

func NewSyncer(opts Options) (*Syncer, error) {
	if opts.SyncContext == nil || opts.SyncContext.Meta == nil {
		return nil, errors.New("sync: sync context is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("sync: model registry is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("sync: codec is required")
	}

	s := &Syncer{
		provider: opts.Provider,
		clientID: opts.SyncContext.ClientID,
		meta:     opts.SyncContext.Meta,
		registry: opts.Registry,
		codec:    opts.Codec,
		backup:   opts.Backup,
		strategy: newStrategy(opts.Mode, opts.Registry),
	}
	if opts.Provider != nil {
		s.lock = lock.NewCoordinator(opts.Provider, opts.SyncContext.ClientID)
	}
	return s, nil
}

// Mode returns the transfer mode picked at construction.
func (s *Syncer) Mode() Mode {
	return s.strategy.mode()
}

// ProviderID returns the attached provider's id, or "".
func (s *Syncer) ProviderID() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.ID()
}

// Sync runs one sync pass. A missing remote meta object and a stale lock of this client both
// turn into a full upload and report UpdateRemoteAll.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	if s.provider == nil {
		return &Result{Status: StatusNotConfigured}, nil
	}
	ready, err := s.provider.IsReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider ready check: %w", err)
	}
	if !ready {
		return &Result{Status: StatusNotConfigured}, nil
	}

	start := time.Now()
	res, err := s.sync(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoRemoteMeta):
		slog.Info("sync no remote meta, uploading all", "client", s.clientID)
		if err := s.lock.ForceAcquire(ctx); err != nil {
			return nil, err
		}
		if err := s.UploadAll(ctx, true); err != nil {
			return nil, err
		}
		res = &Result{Status: StatusUpdateRemoteAll}
	case errors.Is(err, lock.ErrSelfStaleLock):
		slog.Warn("sync found own stale lock, uploading all", "client", s.clientID)
		if err := s.UploadAll(ctx, true); err != nil {
			return nil, err
		}
		res = &Result{Status: StatusUpdateRemoteAll}
	default:
		slog.Error("sync failed", "error", err)
		return nil, err
	}

	slog.Info("sync done", "status", res.Status, "mode", s.strategy.mode(), "took", time.Since(start))
	return res, nil
}

func (s *Syncer) sync(ctx context.Context) (*Result, error) {
	local0, err := s.meta.Load(ctx)
	if err != nil {
		return nil, err
	}

	if local0.IsSynced() && local0.MetaRev != "" {
		metaRev, err := s.remoteMetaRev(ctx, local0.MetaRev)
		if err != nil {
			return nil, err
		}
		if rev.IsSameRev(metaRev, local0.MetaRev) {
			slog.Debug("sync fast path, remote meta unchanged", "metaRev", metaRev)
			return &Result{Status: StatusInSync}, nil
		}
	}

	// The lock is written before any data changes, so it can race the meta download.
	var (
		remote    *meta.RemoteMeta
		remoteRev string
		metaErr   error
		lockErr   error
		g         errgroup.Group
	)
	g.Go(func() error {
		remote, remoteRev, metaErr = s.downloadMeta(ctx)
		return nil
	})
	lockHeld := s.strategy.lockOnSync()
	if lockHeld {
		g.Go(func() error {
			lockErr = s.lock.Acquire(ctx)
			return nil
		})
	}
	g.Wait()

	if lockErr != nil {
		return nil, lockErr
	}
	if metaErr != nil {
		if lockHeld && !errors.Is(metaErr, ErrNoRemoteMeta) {
			s.releaseLock(ctx, true)
		}
		return nil, metaErr
	}

	// local meta may have changed while we were waiting on the network
	local, err := s.meta.Load(ctx)
	if err != nil {
		if lockHeld {
			s.releaseLock(ctx, true)
		}
		return nil, err
	}

	status, reason := StatusFromMeta(remote, local)
	if status != StatusIncompleteRemoteData {
		if r := s.strategy.checkRemote(remote); r != "" {
			status, reason = StatusIncompleteRemoteData, r
		}
	}
	slog.Info("sync status", "status", status, "reason", reason,
		"localLastUpdate", local.LastUpdate, "localLastSynced", local.LastSyncedUpdate,
		"remoteLastUpdate", remote.LastUpdate, "remoteRev", remoteRev)

	switch status {
	case StatusUpdateLocal:
		if err := s.updateLocal(ctx, remote, remoteRev, local, local, lockHeld); err != nil {
			return nil, err
		}
		return &Result{Status: status}, nil

	case StatusUpdateRemote:
		if err := s.updateRemote(ctx, remote, local, local.RevMap, lockHeld); err != nil {
			return nil, err
		}
		return &Result{Status: status}, nil

	case StatusInSync:
		err := s.markInSync(ctx, local, remoteRev)
		if lockHeld {
			s.releaseLock(ctx, true)
		}
		if err != nil {
			return nil, err
		}
		return &Result{Status: status}, nil

	case StatusConflict, StatusIncompleteRemoteData:
		if lockHeld {
			s.releaseLock(ctx, true)
		}
		return &Result{
			Status: status,
			Conflict: &ConflictData{
				Local:     local,
				Remote:    remote,
				RemoteRev: remoteRev,
				Reason:    reason,
			},
		}, nil

	default:
		if lockHeld {
			s.releaseLock(ctx, true)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSyncState, status)
	}
}

// markInSync records the observed meta revision so the next run takes the fast path.
func (s *Syncer) markInSync(ctx context.Context, local *meta.LocalMeta, remoteRev string) error {
	if local.IsSynced() && rev.IsSameRev(local.MetaRev, remoteRev) {
		return nil
	}
	updated := local.Clone()
	updated.LastSyncedUpdate = meta.Int64(local.LastUpdate)
	updated.MetaRev = remoteRev
	return s.meta.Save(ctx, updated)
}

// UploadAll overwrites the remote with every local model. With skipLockCheck the caller already
// holds the lock. A stale lock of this client is broken by one retry.
func (s *Syncer) UploadAll(ctx context.Context, skipLockCheck bool) error {
	if s.provider == nil {
		return ErrNoSyncProvider
	}

	skip := skipLockCheck
	return withBoundedRetry(ctx, "upload all", maxUploadAllAttempts, func(ctx context.Context, attempt int) outcome {
		err := s.uploadAll(ctx, skip)
		switch {
		case err == nil:
			return success()
		case errors.Is(err, lock.ErrSelfStaleLock):
			skip = true
			return retryable(err)
		default:
			return fatal(err)
		}
	})
}

func (s *Syncer) uploadAll(ctx context.Context, skipLockCheck bool) error {
	local, err := s.meta.Load(ctx)
	if err != nil {
		return err
	}

	emptyRemote := &meta.RemoteMeta{
		MetaBase: meta.MetaBase{
			CrossModelVersion: local.CrossModelVersion,
			ModelVersions:     local.ModelVersions,
			RevMap:            rev.Map{},
			LastUpdate:        local.LastUpdate,
		},
	}

	full := rev.Map{}
	excluded := s.strategy.excluded()
	for _, id := range s.registry.SyncIDs() {
		if excluded != nil && excluded.Contains(id) {
			continue
		}
		full[id] = updateAllRev
	}

	slog.Info("upload all", "models", len(full), "skipLockCheck", skipLockCheck)
	return s.updateRemote(ctx, emptyRemote, local, full, skipLockCheck)
}

// DownloadAll replaces every local model with the remote version.
func (s *Syncer) DownloadAll(ctx context.Context, skipLockCheck bool) error {
	if s.provider == nil {
		return ErrNoSyncProvider
	}

	local, err := s.meta.Load(ctx)
	if err != nil {
		return err
	}
	remote, remoteRev, err := s.downloadMeta(ctx)
	if err != nil {
		return err
	}

	// model versions stay local, they describe the installed schema
	fakeLocal := &meta.LocalMeta{
		MetaBase: meta.MetaBase{
			CrossModelVersion: local.CrossModelVersion,
			ModelVersions:     local.ModelVersions,
			RevMap:            rev.Map{},
			LastUpdate:        1,
		},
	}

	slog.Info("download all", "remoteModels", len(remote.RevMap), "skipLockCheck", skipLockCheck)
	return s.updateLocal(ctx, remote, remoteRev, fakeLocal, local, skipLockCheck)
}

// UpdateLocal applies remote to the local models. Used to resolve conflicts in favour of remote.
func (s *Syncer) UpdateLocal(ctx context.Context, remote *meta.RemoteMeta, remoteRev string, local *meta.LocalMeta, skipLockCheck bool) error {
	if s.provider == nil {
		return ErrNoSyncProvider
	}
	return s.updateLocal(ctx, remote, remoteRev, local, local, skipLockCheck)
}

// UpdateRemote pushes the local changes. Used to resolve conflicts in favour of local.
func (s *Syncer) UpdateRemote(ctx context.Context, remote *meta.RemoteMeta, local *meta.LocalMeta, skipLockCheck bool) error {
	if s.provider == nil {
		return ErrNoSyncProvider
	}
	return s.updateRemote(ctx, remote, local, local.RevMap, skipLockCheck)
}

// RemoteMeta downloads and decodes the remote meta object.
func (s *Syncer) RemoteMeta(ctx context.Context) (*meta.RemoteMeta, string, error) {
	if s.provider == nil {
		return nil, "", ErrNoSyncProvider
	}
	return s.downloadMeta(ctx)
}

func (s *Syncer) remoteMetaRev(ctx context.Context, localRev string) (string, error) {
	r, err := s.provider.GetFileRev(ctx, MetaKey, localRev)
	if errors.Is(err, provider.ErrNoRemoteData) {
		return "", ErrNoRemoteMeta
	}
	return r, err
}

func (s *Syncer) downloadMeta(ctx context.Context) (*meta.RemoteMeta, string, error) {
	res, err := s.provider.DownloadFile(ctx, MetaKey, "")
	if errors.Is(err, provider.ErrNoRemoteData) {
		return nil, "", ErrNoRemoteMeta
	} else if err != nil {
		return nil, "", fmt.Errorf("download meta: %w", err)
	}

	var m meta.RemoteMeta
	if _, err := s.codec.Decode(res.Data, &m); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidMetaFile, err)
	}
	m.Normalize()
	return &m, res.Rev, nil
}

func (s *Syncer) uploadMeta(ctx context.Context, m *meta.RemoteMeta) (string, error) {
	enc, err := s.codec.Encode(m, m.CrossModelVersion)
	if err != nil {
		return "", fmt.Errorf("encode meta: %w", err)
	}
	if len(enc) > largeMetaWarnSize {
		slog.Warn("large meta file upload", "size", humanize.Bytes(uint64(len(enc))))
	}

	r, err := s.provider.UploadFile(ctx, MetaKey, enc, "", true)
	if err != nil {
		return "", fmt.Errorf("upload meta: %w", err)
	}
	return r, nil
}

// releaseLock removes the lock. With skipLockCheck a failure is only logged: a leftover lock of
// this client heals itself on the next run.
func (s *Syncer) releaseLock(ctx context.Context, skipLockCheck bool) error {
	err := s.lock.Release(ctx)
	if err == nil {
		return nil
	}
	if skipLockCheck {
		slog.Warn("unable to remove lock file", "error", err)
		return nil
	}
	return err
}
