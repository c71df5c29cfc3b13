package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/queue"
	"github.com/openmined/pfsync/internal/rev"
)

// updateRemote uploads every model whose entry in revMap differs from the remote rev map, then
// writes the meta object and the local meta. revMap is local.RevMap, except for UploadAll which
// passes a map that selects every model.
//
// If a model upload fails the lock is kept: the next run of this client finds its own stale lock
// and re-uploads everything.
func (s *Syncer) updateRemote(ctx context.Context, remote *meta.RemoteMeta, local *meta.LocalMeta, revMap rev.Map, lockHeld bool) error {
	diff, err := rev.DiffForRegistry(revMap, remote.RevMap, rev.DiffOptions{
		Direction:  rev.DirectionUpload,
		Registered: s.registry.SyncSet(),
		Excluded:   s.strategy.excluded(),
	})
	if err != nil {
		if lockHeld {
			s.releaseLock(ctx, true)
		}
		return err
	}

	slog.Info("update remote", "upload", diff.ToUpdate, "remoteOnly", diff.ToDelete, "lockHeld", lockHeld)

	// main file mode pushes a pure meta update without the lock
	acquired := false
	if !lockHeld && (!diff.IsEmpty() || s.strategy.lockOnSync()) {
		if err := s.lock.Acquire(ctx); err != nil {
			return err
		}
		acquired = true
	}
	holding := lockHeld || acquired

	data, err := s.registry.LoadAll(ctx)
	if err != nil {
		if holding {
			s.releaseLock(ctx, true)
		}
		return fmt.Errorf("load models: %w", err)
	}

	realRevMap, err := s.uploadModels(ctx, diff.ToUpdate, data)
	if err != nil {
		return err
	}

	newRevMap := revMap.Clone()
	for id, r := range realRevMap {
		newRevMap[id] = r
	}
	// objects only the remote knows stay referenced, nothing is deleted remotely
	for _, id := range diff.ToDelete {
		newRevMap[id] = remote.RevMap[id]
	}
	newRevMap = s.strategy.stripRevMap(newRevMap)
	if _, err := rev.ValidateMap(newRevMap); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	metaRev, err := s.uploadMeta(ctx, &meta.RemoteMeta{
		MetaBase: meta.MetaBase{
			CrossModelVersion: local.CrossModelVersion,
			ModelVersions:     local.ModelVersions,
			RevMap:            newRevMap,
			LastUpdate:        local.LastUpdate,
		},
		MainModelData: s.strategy.inlineData(data),
	})
	if err != nil {
		return err
	}

	if err := s.saveAfterUpload(ctx, local, newRevMap, metaRev); err != nil {
		return err
	}

	if holding {
		return s.releaseLock(ctx, lockHeld)
	}
	return nil
}

// saveAfterUpload records the uploaded state. Models saved while the upload was running keep
// their local marker so the next run picks them up.
func (s *Syncer) saveAfterUpload(ctx context.Context, local *meta.LocalMeta, uploaded rev.Map, metaRev string) error {
	fresh, err := s.meta.Load(ctx)
	if err != nil {
		return err
	}

	next := fresh.Clone()
	next.LastSyncedUpdate = meta.Int64(local.LastUpdate)
	next.MetaRev = metaRev

	if fresh.LastUpdate == local.LastUpdate {
		next.RevMap = uploaded.Clone()
	} else {
		slog.Info("models changed during upload", "lastUpdate", fresh.LastUpdate, "uploaded", local.LastUpdate)
		next.RevMap = uploaded.Clone()
		for id, r := range fresh.RevMap {
			if strings.HasPrefix(r, meta.LocalRevPrefix) && r != local.RevMap[id] {
				next.RevMap[id] = r
			}
		}
	}
	return s.meta.Save(ctx, next)
}

func (s *Syncer) uploadModels(ctx context.Context, ids []string, data map[string]json.RawMessage) (rev.Map, error) {
	realRevMap := rev.Map{}
	if len(ids) == 0 {
		return realRevMap, nil
	}

	var mu gosync.Mutex
	runner := queue.NewTaskRunner(s.provider.MaxConcurrentRequests())
	for _, id := range ids {
		payload := data[id]
		runner.Add(id, func(ctx context.Context) error {
			r, err := s.uploadModel(ctx, id, payload)
			if err != nil {
				return err
			}
			mu.Lock()
			realRevMap[id] = rev.CleanRev(r)
			mu.Unlock()
			return nil
		}, len(payload))
	}

	if err := queue.FirstError(runner.Run(ctx)); err != nil {
		return nil, fmt.Errorf("upload models: %w", err)
	}
	return realRevMap, nil
}

func (s *Syncer) uploadModel(ctx context.Context, id string, payload json.RawMessage) (string, error) {
	ctrl, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}
	enc, err := s.codec.EncodeString(string(payload), ctrl.Config().Version)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", id, err)
	}

	slog.Debug("upload model", "model", id, "size", humanize.Bytes(uint64(len(enc))))
	return s.provider.UploadFile(ctx, id, enc, "", true)
}

// updateLocal downloads every model whose remote revision differs from the local one and writes
// them locally. Nothing is written until all downloads succeeded. base is the local meta as loaded
// at the start of the run; it differs from local only for DownloadAll.
func (s *Syncer) updateLocal(ctx context.Context, remote *meta.RemoteMeta, remoteRev string, local, base *meta.LocalMeta, lockHeld bool) error {
	diff, err := rev.DiffForRegistry(remote.RevMap, local.RevMap, rev.DiffOptions{
		Direction:  rev.DirectionDownload,
		Registered: s.registry.SyncSet(),
		Excluded:   s.strategy.excluded(),
	})
	if err != nil {
		if lockHeld {
			s.releaseLock(ctx, true)
		}
		return err
	}

	slog.Info("update local", "download", diff.ToUpdate, "delete", diff.ToDelete, "lockHeld", lockHeld)

	acquired := false
	if !lockHeld && !diff.IsEmpty() {
		if err := s.lock.Acquire(ctx); err != nil {
			return err
		}
		acquired = true
	}
	holding := lockHeld || acquired

	data, realRevMap, err := s.downloadModels(ctx, diff.ToUpdate, remote.RevMap)
	if err != nil {
		if holding {
			s.releaseLock(ctx, true)
		}
		return err
	}

	if err := s.writeLocal(ctx, remote, remoteRev, local, base, diff, data, realRevMap); err != nil {
		if holding {
			s.releaseLock(ctx, true)
		}
		return err
	}

	if holding {
		return s.releaseLock(ctx, lockHeld)
	}
	return nil
}

func (s *Syncer) writeLocal(ctx context.Context, remote *meta.RemoteMeta, remoteRev string, local, base *meta.LocalMeta, diff rev.DiffResult, data map[string]json.RawMessage, realRevMap rev.Map) error {
	if s.backup != nil {
		if err := s.backup.Save(ctx); err != nil {
			return err
		}
	}

	if err := s.registry.SaveAll(ctx, data, model.SaveOptions{IsSync: true}); err != nil {
		return fmt.Errorf("save downloaded models: %w", err)
	}
	for _, id := range diff.ToDelete {
		ctrl, err := s.registry.Get(id)
		if err != nil {
			return err
		}
		if err := ctrl.Reset(ctx); err != nil {
			return err
		}
	}
	if err := s.strategy.applyInline(ctx, remote); err != nil {
		return fmt.Errorf("apply main file models: %w", err)
	}

	revMap := local.RevMap.Clone()
	for id, r := range realRevMap {
		revMap[id] = r
	}
	for _, id := range diff.ToDelete {
		delete(revMap, id)
	}
	revMap = s.strategy.stripRevMap(revMap)

	versions := make(map[string]float64, len(remote.ModelVersions))
	for id, v := range remote.ModelVersions {
		versions[id] = v
	}

	next := &meta.LocalMeta{
		MetaBase: meta.MetaBase{
			CrossModelVersion: remote.CrossModelVersion,
			ModelVersions:     versions,
			RevMap:            revMap,
			LastUpdate:        remote.LastUpdate,
		},
		LastSyncedUpdate: meta.Int64(remote.LastUpdate),
		MetaRev:          remoteRev,
	}
	if err := s.keepChangesDuringDownload(ctx, base, diff, next); err != nil {
		return err
	}
	if err := s.meta.Save(ctx, next); err != nil {
		return err
	}

	if s.backup != nil {
		if err := s.backup.Clear(ctx); err != nil {
			slog.Warn("unable to clear tmp backup", "error", err)
		}
	}
	return nil
}

// keepChangesDuringDownload carries models saved while the download was running into next. Their
// local marker survives unless the download overwrote them, and LastUpdate stays ahead of the
// synced update so the next run uploads them.
func (s *Syncer) keepChangesDuringDownload(ctx context.Context, base *meta.LocalMeta, diff rev.DiffResult, next *meta.LocalMeta) error {
	fresh, err := s.meta.Load(ctx)
	if err != nil {
		return err
	}
	if fresh.LastUpdate == base.LastUpdate {
		return nil
	}

	overwritten := make(map[string]bool, len(diff.ToUpdate)+len(diff.ToDelete))
	for _, id := range diff.ToUpdate {
		overwritten[id] = true
	}
	for _, id := range diff.ToDelete {
		overwritten[id] = true
	}

	kept := 0
	for id, r := range fresh.RevMap {
		if overwritten[id] || !strings.HasPrefix(r, meta.LocalRevPrefix) || r == base.RevMap[id] {
			continue
		}
		next.RevMap[id] = r
		if v, ok := fresh.ModelVersions[id]; ok {
			next.ModelVersions[id] = v
		}
		kept++
	}
	if kept == 0 {
		return nil
	}

	slog.Info("models changed during download", "models", kept, "lastUpdate", fresh.LastUpdate, "remoteLastUpdate", next.LastUpdate)
	next.LastUpdate = max(fresh.LastUpdate, next.LastUpdate+1)
	return nil
}

func (s *Syncer) downloadModels(ctx context.Context, ids []string, expected rev.Map) (map[string]json.RawMessage, rev.Map, error) {
	data := make(map[string]json.RawMessage, len(ids))
	realRevMap := rev.Map{}
	if len(ids) == 0 {
		return data, realRevMap, nil
	}

	var mu gosync.Mutex
	runner := queue.NewTaskRunner(s.provider.MaxConcurrentRequests())
	for _, id := range ids {
		runner.Add(id, func(ctx context.Context) error {
			payload, r, err := s.downloadModel(ctx, id, expected[id])
			if err != nil {
				return err
			}
			mu.Lock()
			data[id] = payload
			realRevMap[id] = rev.CleanRev(r)
			mu.Unlock()
			return nil
		}, 0)
	}

	if err := queue.FirstError(runner.Run(ctx)); err != nil {
		return nil, nil, fmt.Errorf("download models: %w", err)
	}
	return data, realRevMap, nil
}

func (s *Syncer) downloadModel(ctx context.Context, id, expectedRev string) (json.RawMessage, string, error) {
	res, err := s.provider.DownloadFile(ctx, id, expectedRev)
	if err != nil {
		return nil, "", err
	}
	if expectedRev != "" && !rev.IsSameRev(res.Rev, expectedRev) {
		return nil, "", provider.Wrap("download", id, provider.ErrRevMismatch)
	}

	_, payload, err := s.codec.DecodeString(res.Data)
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", id, err)
	}
	if !json.Valid([]byte(payload)) {
		return nil, "", fmt.Errorf("decode %s: %w", id, errors.New("payload is not valid JSON"))
	}

	slog.Debug("download model", "model", id, "size", humanize.Bytes(uint64(len(payload))))
	return json.RawMessage(payload), res.Rev, nil
}
