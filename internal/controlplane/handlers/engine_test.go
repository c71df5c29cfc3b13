package handlers

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/backup"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/rev"
	"github.com/openmined/pfsync/internal/sync"
)

// fakeEngine returns canned values and records what it was asked to do.
type fakeEngine struct {
	syncResult *sync.Result
	syncErr    error
	uploadErr  error
	downErr    error

	remote    *meta.RemoteMeta
	remoteRev string
	remoteErr error

	backup     *backup.Backup
	restoreErr error
	cleared    bool

	models map[string]json.RawMessage
	setErr error

	uploads   int
	downloads int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		syncResult: &sync.Result{Status: sync.StatusInSync},
		models:     map[string]json.RawMessage{"task": json.RawMessage(`{"ids":[]}`)},
	}
}

func (f *fakeEngine) Info(context.Context) (*ClientInfo, error) {
	return &ClientInfo{
		ClientID:  "BCLm_abc",
		Provider:  "memory",
		Mode:      sync.ModeMultiFile,
		DataDir:   "/tmp/pfsync",
		Models:    []string{"task"},
		StartedAt: time.Unix(1700000000, 0).UTC(),
	}, nil
}

func (f *fakeEngine) Snapshot() sync.Snapshot {
	return sync.Snapshot{
		State:      sync.RunStateIdle,
		LastStatus: sync.StatusInSync,
		Runs:       3,
		Counts:     map[sync.Status]int{sync.StatusInSync: 3},
	}
}

func (f *fakeEngine) Sync(context.Context) (*sync.Result, error) {
	return f.syncResult, f.syncErr
}

func (f *fakeEngine) UploadAll(context.Context) error {
	f.uploads++
	return f.uploadErr
}

func (f *fakeEngine) DownloadAll(context.Context) error {
	f.downloads++
	return f.downErr
}

func (f *fakeEngine) LocalMeta(context.Context) (*meta.LocalMeta, error) {
	return &meta.LocalMeta{
		MetaBase: meta.MetaBase{
			LastUpdate: 42,
			RevMap:     rev.Map{"task": "3"},
		},
		LastSyncedUpdate: meta.Int64(42),
	}, nil
}

func (f *fakeEngine) RemoteMeta(context.Context) (*meta.RemoteMeta, string, error) {
	return f.remote, f.remoteRev, f.remoteErr
}

func (f *fakeEngine) Backup(context.Context) (*backup.Backup, error) {
	return f.backup, nil
}

func (f *fakeEngine) RestoreBackup(context.Context) error {
	return f.restoreErr
}

func (f *fakeEngine) ClearBackup(context.Context) error {
	f.cleared = true
	return nil
}

func (f *fakeEngine) GetModel(_ context.Context, id string) (json.RawMessage, error) {
	data, ok := f.models[id]
	if !ok {
		return nil, model.ErrUnknownModel
	}
	return data, nil
}

func (f *fakeEngine) SetModel(_ context.Context, id string, data json.RawMessage) error {
	if f.setErr != nil {
		return f.setErr
	}
	if _, ok := f.models[id]; !ok {
		return model.ErrUnknownModel
	}
	f.models[id] = data
	return nil
}
