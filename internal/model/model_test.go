package model

import (
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *meta.Store) {
	t.Helper()
	kv := store.NewMemoryStore()
	ms := meta.NewStore(kv)
	r, err := NewRegistry(kv, ms, []Config{
		{ID: "task", Version: 2},
		{ID: "project", Version: 1},
		{ID: "globalConfig", Version: 1, IsMainFileModel: true, Default: json.RawMessage(`{"theme":"dark"}`)},
		{ID: "localSettings", Version: 1, IsLocalOnly: true},
	})
	require.NoError(t, err)
	return r, ms
}

func TestRegistryIDs(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.Equal(t, []string{"globalConfig", "localSettings", "project", "task"}, r.IDs())
	assert.Equal(t, []string{"globalConfig", "project", "task"}, r.SyncIDs())
	assert.Equal(t, []string{"globalConfig"}, r.MainFileIDs())
	assert.True(t, r.SyncSet().Contains("task"))
	assert.False(t, r.SyncSet().Contains("localSettings"))
	assert.True(t, r.MainFileSet().Contains("globalConfig"))

	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestNewRegistryRejectsBadConfigs(t *testing.T) {
	kv := store.NewMemoryStore()
	ms := meta.NewStore(kv)

	for name, cfgs := range map[string][]Config{
		"empty id":    {{ID: ""}},
		"duplicate":   {{ID: "a"}, {ID: "a"}},
		"reserved":    {{ID: store.KeyMeta}},
		"lock key":    {{ID: store.KeyLock}},
		"bad default": {{ID: "a", Default: json.RawMessage(`{`)}},
		"negative":    {{ID: "a", Version: -1}},
	} {
		_, err := NewRegistry(kv, ms, cfgs)
		assert.ErrorIs(t, err, ErrInvalidModel, name)
	}
}

func TestSaveUpdatesMeta(t *testing.T) {
	ctx := context.Background()
	r, ms := newTestRegistry(t)
	task, err := r.Get("task")
	require.NoError(t, err)

	require.NoError(t, task.Save(ctx, json.RawMessage(`{"ids":["a"]}`), SaveOptions{}))

	m, err := ms.Load(ctx)
	require.NoError(t, err)
	assert.Greater(t, m.LastUpdate, int64(0))
	assert.Equal(t, 2.0, m.ModelVersions["task"])
	assert.True(t, strings.HasPrefix(m.RevMap["task"], meta.LocalRevPrefix))

	data, err := task.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ids":["a"]}`, string(data))
}

func TestSyncAndLocalOnlySavesSkipMeta(t *testing.T) {
	ctx := context.Background()
	r, ms := newTestRegistry(t)

	task, _ := r.Get("task")
	require.NoError(t, task.Save(ctx, json.RawMessage(`[]`), SaveOptions{IsSync: true}))

	local, _ := r.Get("localSettings")
	require.NoError(t, local.Save(ctx, json.RawMessage(`{}`), SaveOptions{}))

	project, _ := r.Get("project")
	require.NoError(t, project.Save(ctx, json.RawMessage(`{}`), SaveOptions{SkipMetaUpdate: true}))

	m, err := ms.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.LastUpdate)
	assert.Empty(t, m.RevMap)
}

func TestSaveRejectsInvalidJSON(t *testing.T) {
	r, _ := newTestRegistry(t)
	task, _ := r.Get("task")
	err := task.Save(context.Background(), json.RawMessage(`{nope`), SaveOptions{})
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestLoadDefaults(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	gc, _ := r.Get("globalConfig")
	data, err := gc.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(data))

	task, _ := r.Get("task")
	data, err = task.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestLoadAllAndImportAll(t *testing.T) {
	ctx := context.Background()
	r, ms := newTestRegistry(t)

	err := r.ImportAll(ctx, map[string]json.RawMessage{
		"task":    json.RawMessage(`{"n":1}`),
		"project": json.RawMessage(`{"n":2}`),
	}, true)
	require.NoError(t, err)

	all, err := r.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.JSONEq(t, `{"n":1}`, string(all["task"]))
	assert.JSONEq(t, `{"n":2}`, string(all["project"]))
	assert.NotContains(t, all, "localSettings")

	m, err := ms.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.LastUpdate)

	err = r.ImportAll(ctx, map[string]json.RawMessage{"ghost": json.RawMessage(`1`)}, false)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestResetAndEvents(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	events := r.Subscribe()

	task, _ := r.Get("task")
	require.NoError(t, task.Save(ctx, json.RawMessage(`{"n":1}`), SaveOptions{IsImport: true}))
	require.NoError(t, task.Reset(ctx))

	ev := <-events
	assert.Equal(t, "task", ev.ModelID)
	assert.True(t, ev.IsImport)
	assert.JSONEq(t, `{"n":1}`, string(ev.Data))

	ev = <-events
	assert.True(t, ev.IsReset)
	assert.True(t, ev.IsSync)

	data, err := task.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	r.Unsubscribe(events)
	_, open := <-events
	assert.False(t, open)
}
