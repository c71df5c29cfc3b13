package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/backup"
	"github.com/openmined/pfsync/internal/codec"
	"github.com/openmined/pfsync/internal/lock"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/provider/memory"
	"github.com/openmined/pfsync/internal/rev"
	"github.com/openmined/pfsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testModels = []model.Config{
	{ID: "task", Version: 2},
	{ID: "project", Version: 1},
	{ID: "globalConfig", Version: 1, IsMainFileModel: true},
	{ID: "localSettings", Version: 1, IsLocalOnly: true},
}

type testClient struct {
	id     string
	kv     *store.MemoryStore
	meta   *meta.Store
	reg    *model.Registry
	backup *backup.Service
	syncer *Syncer
}

type clientOpts struct {
	mode     Mode
	settings codec.Settings
	models   []model.Config
}

// newClient builds a client with its own store and a clock that never collides with other clients.
func newClient(t *testing.T, p provider.Provider, id string, clockBase int64, opts clientOpts) *testClient {
	t.Helper()
	ctx := context.Background()

	if opts.models == nil {
		opts.models = testModels
	}

	var tick atomic.Int64
	clock := func() time.Time { return time.UnixMilli(clockBase + tick.Add(1)) }

	kv := store.NewMemoryStore()
	require.NoError(t, kv.Save(ctx, store.KeyClientID, []byte(id)))

	sc, err := meta.NewSyncContext(ctx, kv, meta.WithClock(clock))
	require.NoError(t, err)

	reg, err := model.NewRegistry(kv, sc.Meta, opts.models)
	require.NoError(t, err)

	bk := backup.NewService(kv, reg, sc.Meta)
	s, err := NewSyncer(Options{
		Provider:    p,
		SyncContext: sc,
		Registry:    reg,
		Codec:       codec.New(codec.StaticSettings(opts.settings)),
		Backup:      bk,
		Mode:        opts.mode,
	})
	require.NoError(t, err)

	return &testClient{id: id, kv: kv, meta: sc.Meta, reg: reg, backup: bk, syncer: s}
}

func (c *testClient) save(t *testing.T, id, data string) {
	t.Helper()
	ctrl, err := c.reg.Get(id)
	require.NoError(t, err)
	require.NoError(t, ctrl.Save(context.Background(), json.RawMessage(data), model.SaveOptions{}))
}

func (c *testClient) load(t *testing.T, id string) string {
	t.Helper()
	ctrl, err := c.reg.Get(id)
	require.NoError(t, err)
	data, err := ctrl.Load(context.Background())
	require.NoError(t, err)
	return string(data)
}

func (c *testClient) localMeta(t *testing.T) *meta.LocalMeta {
	t.Helper()
	m, err := c.meta.Load(context.Background())
	require.NoError(t, err)
	return m
}

func (c *testClient) sync(t *testing.T) *Result {
	t.Helper()
	res, err := c.syncer.Sync(context.Background())
	require.NoError(t, err)
	return res
}

func remoteMeta(t *testing.T, p *memory.Provider) *meta.RemoteMeta {
	t.Helper()
	raw, ok := p.Get(MetaKey)
	require.True(t, ok, "remote meta missing")
	var m meta.RemoteMeta
	_, err := codec.New(codec.StaticSettings(codec.Settings{})).Decode(raw, &m)
	require.NoError(t, err)
	return &m
}

func assertNoLock(t *testing.T, p *memory.Provider) {
	t.Helper()
	_, ok := p.Get(lock.Key)
	assert.False(t, ok, "lock object left behind")
}

func TestSyncNotConfigured(t *testing.T) {
	c := newClient(t, nil, "a", 1_000_000, clientOpts{})
	assert.Equal(t, StatusNotConfigured, c.sync(t).Status)
	assert.ErrorIs(t, c.syncer.UploadAll(context.Background(), false), ErrNoSyncProvider)
	assert.ErrorIs(t, c.syncer.DownloadAll(context.Background(), false), ErrNoSyncProvider)

	p := memory.New()
	p.SetReady(false)
	c = newClient(t, p, "a", 1_000_000, clientOpts{})
	assert.Equal(t, StatusNotConfigured, c.sync(t).Status)
	assert.Empty(t, p.Paths())
}

func TestSyncBootstrapUploadsEverything(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	a.save(t, "task", `{"ids":["t1"]}`)

	res := a.sync(t)
	assert.Equal(t, StatusUpdateRemoteAll, res.Status)
	assertNoLock(t, p)

	assert.ElementsMatch(t, []string{MetaKey, "task", "project", "globalConfig"}, p.Paths())

	rm := remoteMeta(t, p)
	lm := a.localMeta(t)
	assert.Equal(t, lm.LastUpdate, rm.LastUpdate)
	assert.Len(t, rm.RevMap, 3)
	for id, r := range rm.RevMap {
		assert.False(t, strings.HasPrefix(r, meta.LocalRevPrefix), id)
		assert.NotEqual(t, updateAllRev, r, id)
	}

	require.NotNil(t, lm.LastSyncedUpdate)
	assert.Equal(t, lm.LastUpdate, *lm.LastSyncedUpdate)
	assert.NotEmpty(t, lm.MetaRev)
	assert.Equal(t, rm.RevMap, lm.RevMap)
}

func TestSyncFastPath(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	a.save(t, "task", `{"ids":[]}`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)

	downloads := p.Calls(memory.OpDownload)
	uploads := p.Calls(memory.OpUpload)

	assert.Equal(t, StatusInSync, a.sync(t).Status)
	assert.Equal(t, downloads, p.Calls(memory.OpDownload))
	assert.Equal(t, uploads, p.Calls(memory.OpUpload))
	assert.Equal(t, 1, p.Calls(memory.OpRev))
}

func TestSyncTwoClients(t *testing.T) {
	ctx := context.Background()
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{settings: codec.Settings{Compress: true}})
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{settings: codec.Settings{Compress: true}})

	a.save(t, "task", `{"ids":["t1"]}`)
	a.save(t, "localSettings", `{"dark":true}`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)

	// b never synced and has no data
	assert.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	assert.JSONEq(t, `{"ids":["t1"]}`, b.load(t, "task"))
	assert.Equal(t, "null", b.load(t, "localSettings"))
	assertNoLock(t, p)

	stray, err := b.backup.CheckStray(ctx)
	require.NoError(t, err)
	assert.Nil(t, stray)

	assert.Equal(t, StatusInSync, b.sync(t).Status)

	// b edits, a pulls
	b.save(t, "task", `{"ids":["t1","t2"]}`)
	assert.Equal(t, StatusUpdateRemote, b.sync(t).Status)
	assertNoLock(t, p)

	assert.Equal(t, StatusUpdateLocal, a.sync(t).Status)
	assert.JSONEq(t, `{"ids":["t1","t2"]}`, a.load(t, "task"))
	assert.JSONEq(t, `{"dark":true}`, a.load(t, "localSettings"))

	assert.Equal(t, StatusInSync, a.sync(t).Status)
	assert.Equal(t, StatusInSync, b.sync(t).Status)
	assert.Equal(t, remoteMeta(t, p).RevMap, a.localMeta(t).RevMap)
	assert.Equal(t, a.localMeta(t).RevMap, b.localMeta(t).RevMap)
}

func TestSyncOnlyUploadsChangedModels(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	a.save(t, "task", `1`)
	a.save(t, "project", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)
	before := remoteMeta(t, p).RevMap

	a.save(t, "project", `2`)
	require.Equal(t, StatusUpdateRemote, a.sync(t).Status)
	after := remoteMeta(t, p).RevMap

	assert.Equal(t, before["task"], after["task"])
	assert.NotEqual(t, before["project"], after["project"])
}

func TestSyncConflict(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})

	a.save(t, "task", `"a0"`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)
	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)

	a.save(t, "task", `"a1"`)
	b.save(t, "task", `"b1"`)
	require.Equal(t, StatusUpdateRemote, a.sync(t).Status)

	res := b.sync(t)
	assert.Equal(t, StatusConflict, res.Status)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, ReasonBothChanged, res.Conflict.Reason)
	assert.Equal(t, b.localMeta(t).LastUpdate, res.Conflict.Local.LastUpdate)
	assert.Equal(t, remoteMeta(t, p).LastUpdate, res.Conflict.Remote.LastUpdate)
	assertNoLock(t, p)

	// nothing was overwritten on either side
	assert.Equal(t, `"b1"`, b.load(t, "task"))

	// resolve in favour of remote
	require.NoError(t, b.syncer.UpdateLocal(context.Background(), res.Conflict.Remote, res.Conflict.RemoteRev, res.Conflict.Local, false))
	assert.Equal(t, `"a1"`, b.load(t, "task"))
	assert.Equal(t, StatusInSync, b.sync(t).Status)
	assertNoLock(t, p)
}

func TestSyncResolveConflictWithLocal(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})

	a.save(t, "task", `"a0"`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)
	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	a.save(t, "task", `"a1"`)
	b.save(t, "task", `"b1"`)
	require.Equal(t, StatusUpdateRemote, a.sync(t).Status)

	res := b.sync(t)
	require.Equal(t, StatusConflict, res.Status)

	require.NoError(t, b.syncer.UploadAll(context.Background(), false))
	assertNoLock(t, p)
	assert.Equal(t, StatusUpdateLocal, a.sync(t).Status)
	assert.Equal(t, `"b1"`, a.load(t, "task"))
}

func TestSyncStaleSelfLock(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	a.save(t, "task", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)

	a.save(t, "task", `2`)
	p.Put(lock.Key, "client-a")

	res := a.sync(t)
	assert.Equal(t, StatusUpdateRemoteAll, res.Status)
	assertNoLock(t, p)

	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})
	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	assert.Equal(t, `2`, b.load(t, "task"))
}

func TestSyncForeignLock(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	a.save(t, "task", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)
	before := remoteMeta(t, p)

	a.save(t, "task", `2`)
	p.Put(lock.Key, "client-b")

	_, err := a.syncer.Sync(context.Background())
	require.ErrorIs(t, err, lock.ErrForeignLock)
	var held *lock.HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "client-b", held.Holder)

	assert.Equal(t, before.RevMap, remoteMeta(t, p).RevMap)
	holder, _ := p.Get(lock.Key)
	assert.Equal(t, "client-b", holder)
}

func TestSyncBootstrapWaitsForForeignLock(t *testing.T) {
	p := memory.New()
	p.Put(lock.Key, "client-b")
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	a.save(t, "task", `1`)

	_, err := a.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, lock.ErrForeignLock)
	_, ok := p.Get(MetaKey)
	assert.False(t, ok)
}

func TestSyncFailedUploadNeverPublishesRevMap(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	a.save(t, "task", `1`)
	a.save(t, "project", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)
	before := remoteMeta(t, p)

	a.save(t, "task", `2`)
	a.save(t, "project", `2`)
	p.FailNext(memory.OpUpload, "project", errors.New("503 slow down"))

	_, err := a.syncer.Sync(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "project")

	// meta untouched, lock kept for recovery
	assert.Equal(t, before, remoteMeta(t, p))
	holder, ok := p.Get(lock.Key)
	require.True(t, ok)
	assert.Equal(t, "client-a", holder)
	lm := a.localMeta(t)
	assert.NotEqual(t, lm.LastUpdate, *lm.LastSyncedUpdate)

	// next run finds its own lock and re-uploads everything
	assert.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)
	assertNoLock(t, p)

	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})
	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	assert.Equal(t, `2`, b.load(t, "task"))
	assert.Equal(t, `2`, b.load(t, "project"))
}

func TestSyncDownloadRevMismatch(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})
	a.save(t, "task", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)

	// the object changed behind the meta file's back
	raw, _ := p.Get("task")
	p.Put("task", raw)

	_, err := b.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, provider.ErrRevMismatch)
	assertNoLock(t, p)
	assert.Equal(t, "null", b.load(t, "task"))
	assert.Nil(t, b.localMeta(t).LastSyncedUpdate)
}

func TestSyncRegistryMismatch(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{models: append([]model.Config{{ID: "ghost", Version: 1}}, testModels...)})
	a.save(t, "ghost", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)

	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})
	_, err := b.syncer.Sync(context.Background())
	require.ErrorIs(t, err, rev.ErrRegistryMismatch)

	var mm *rev.MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, rev.DirectionDownload, mm.Direction)
	assert.Equal(t, []string{"ghost"}, mm.Unknown)
	assertNoLock(t, p)
}

func TestSyncIncompleteRemote(t *testing.T) {
	p := memory.New()
	enc, err := codec.New(codec.StaticSettings(codec.Settings{})).Encode(&meta.RemoteMeta{
		MetaBase: meta.MetaBase{CrossModelVersion: 1, RevMap: rev.Map{"task": ""}, LastUpdate: 500},
	}, 1)
	require.NoError(t, err)
	p.Put(MetaKey, enc)

	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})
	res := b.sync(t)
	assert.Equal(t, StatusIncompleteRemoteData, res.Status)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, ReasonEmptyRemoteRev, res.Conflict.Reason)
	assertNoLock(t, p)
}

func TestSyncInvalidRemoteMeta(t *testing.T) {
	p := memory.New()
	p.Put(MetaKey, "garbage")
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})

	_, err := b.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, ErrInvalidMetaFile)
	assert.ErrorIs(t, err, codec.ErrInvalidPrefix)
	assertNoLock(t, p)
}

func TestSyncEncrypted(t *testing.T) {
	p := memory.New()
	settings := codec.Settings{Compress: true, Encrypt: true, EncryptKey: "s3cret"}
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{settings: settings})
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{settings: settings})

	a.save(t, "task", `{"title":"pf_1__ and __ and {}"}`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)

	raw, ok := p.Get("task")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(raw, "pf_CE2__"))
	assert.NotContains(t, raw, "title")

	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	assert.JSONEq(t, `{"title":"pf_1__ and __ and {}"}`, b.load(t, "task"))

	wrongKey := newClient(t, p, "client-c", 3_000_000, clientOpts{settings: codec.Settings{Encrypt: true}})
	_, err := wrongKey.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, codec.ErrEncryptionConfigUnavailable)
}

func TestSyncMainFileMode(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{mode: ModeMainFile})
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{mode: ModeMainFile})
	assert.Equal(t, ModeMainFile, a.syncer.Mode())

	a.save(t, "globalConfig", `{"lang":"en"}`)
	a.save(t, "task", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)

	_, ok := p.Get("globalConfig")
	assert.False(t, ok, "main file model must not get its own object")
	rm := remoteMeta(t, p)
	assert.NotContains(t, rm.RevMap, "globalConfig")
	assert.JSONEq(t, `{"lang":"en"}`, string(rm.MainModelData["globalConfig"]))

	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	assert.JSONEq(t, `{"lang":"en"}`, b.load(t, "globalConfig"))
	assert.Equal(t, `1`, b.load(t, "task"))

	// a change to a main file model alone only rewrites the meta object, without the lock
	uploads := p.Calls(memory.OpUpload)
	b.save(t, "globalConfig", `{"lang":"de"}`)
	require.Equal(t, StatusUpdateRemote, b.sync(t).Status)
	assert.Equal(t, uploads+1, p.Calls(memory.OpUpload))
	assertNoLock(t, p)

	require.Equal(t, StatusUpdateLocal, a.sync(t).Status)
	assert.JSONEq(t, `{"lang":"de"}`, a.load(t, "globalConfig"))
}

func TestSyncMainFileModeMissingInlineData(t *testing.T) {
	p := memory.New()
	enc, err := codec.New(codec.StaticSettings(codec.Settings{})).Encode(&meta.RemoteMeta{
		MetaBase: meta.MetaBase{
			CrossModelVersion: 1,
			ModelVersions:     map[string]float64{"globalConfig": 1},
			RevMap:            rev.Map{},
			LastUpdate:        500,
		},
	}, 1)
	require.NoError(t, err)
	p.Put(MetaKey, enc)

	b := newClient(t, p, "client-b", 2_000_000, clientOpts{mode: ModeMainFile})
	res := b.sync(t)
	assert.Equal(t, StatusIncompleteRemoteData, res.Status)
	assert.Equal(t, ReasonMissingMainModelData, res.Conflict.Reason)
}

func TestDownloadAll(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})

	a.save(t, "task", `"remote"`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)

	b.save(t, "task", `"local"`)
	b.save(t, "project", `"local"`)
	require.NoError(t, b.syncer.DownloadAll(context.Background(), false))
	assertNoLock(t, p)

	assert.Equal(t, `"remote"`, b.load(t, "task"))
	lm := b.localMeta(t)
	rm := remoteMeta(t, p)
	assert.Equal(t, rm.LastUpdate, lm.LastUpdate)
	assert.Equal(t, rm.LastUpdate, *lm.LastSyncedUpdate)
	assert.Equal(t, rm.RevMap, lm.RevMap)
	assert.Equal(t, StatusInSync, b.sync(t).Status)
}

func TestDownloadAllWithoutRemote(t *testing.T) {
	b := newClient(t, memory.New(), "client-b", 2_000_000, clientOpts{})
	assert.ErrorIs(t, b.syncer.DownloadAll(context.Background(), false), ErrNoRemoteMeta)
}

func TestUploadAllBreaksOwnStaleLock(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	a.save(t, "task", `1`)
	p.Put(lock.Key, "client-a")

	require.NoError(t, a.syncer.UploadAll(context.Background(), false))
	assertNoLock(t, p)
	_, ok := p.Get(MetaKey)
	assert.True(t, ok)
}

func TestUploadAllForeignLockIsFatal(t *testing.T) {
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	p.Put(lock.Key, "client-b")

	err := a.syncer.UploadAll(context.Background(), false)
	assert.ErrorIs(t, err, lock.ErrForeignLock)
	assert.Equal(t, 1, p.Calls(memory.OpUpload))
}

func TestSyncBoundedConcurrency(t *testing.T) {
	p := memory.New(memory.WithMaxConcurrent(2), memory.WithLatency(3*time.Millisecond))

	models := []model.Config{}
	for i := 0; i < 10; i++ {
		models = append(models, model.Config{ID: fmt.Sprintf("m%02d", i), Version: 1})
	}
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{models: models})
	for _, m := range models {
		a.save(t, m.ID, `{"x":1}`)
	}

	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)
	assert.LessOrEqual(t, p.PeakInFlight(), 2)
	assert.Len(t, remoteMeta(t, p).RevMap, 10)

	b := newClient(t, p, "client-b", 2_000_000, clientOpts{models: models})
	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	assert.LessOrEqual(t, p.PeakInFlight(), 2)
	assert.Equal(t, `{"x":1}`, b.load(t, "m09"))
}

func TestSyncKeepsChangesMadeDuringUpload(t *testing.T) {
	ctx := context.Background()
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	a.save(t, "task", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)

	a.save(t, "task", `2`)
	local, err := a.meta.Load(ctx)
	require.NoError(t, err)
	rm, rr, err := a.syncer.RemoteMeta(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rr)

	// a save lands after the snapshot was taken
	a.save(t, "project", `9`)

	require.NoError(t, a.syncer.UpdateRemote(ctx, rm, local, false))
	lm := a.localMeta(t)
	assert.Equal(t, local.LastUpdate, *lm.LastSyncedUpdate)
	assert.Greater(t, lm.LastUpdate, *lm.LastSyncedUpdate)
	assert.True(t, strings.HasPrefix(lm.RevMap["project"], meta.LocalRevPrefix))

	assert.Equal(t, StatusUpdateRemote, a.sync(t).Status)
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})
	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	assert.Equal(t, `9`, b.load(t, "project"))
}

// downloadHook runs onDownload before every model download of the wrapped provider.
type downloadHook struct {
	provider.Provider
	onDownload func(path string)
}

func (h *downloadHook) DownloadFile(ctx context.Context, path, expectedRev string) (*provider.DownloadResult, error) {
	if h.onDownload != nil {
		h.onDownload(path)
	}
	return h.Provider.DownloadFile(ctx, path, expectedRev)
}

func TestSyncKeepsChangesMadeDuringDownload(t *testing.T) {
	ctx := context.Background()
	p := memory.New()
	hook := &downloadHook{Provider: p}

	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	b := newClient(t, hook, "client-b", 2_000_000, clientOpts{})

	a.save(t, "task", `1`)
	a.save(t, "project", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)
	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)

	a.save(t, "task", `2`)
	require.Equal(t, StatusUpdateRemote, a.sync(t).Status)

	var saveErr error
	var saved atomic.Bool
	hook.onDownload = func(path string) {
		if path != "task" || !saved.CompareAndSwap(false, true) {
			return
		}
		ctrl, err := b.reg.Get("project")
		if err != nil {
			saveErr = err
			return
		}
		saveErr = ctrl.Save(ctx, json.RawMessage(`"edited-on-b"`), model.SaveOptions{})
	}

	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	require.True(t, saved.Load())
	require.NoError(t, saveErr)
	hook.onDownload = nil

	assert.Equal(t, `2`, b.load(t, "task"))
	lm := b.localMeta(t)
	assert.True(t, strings.HasPrefix(lm.RevMap["project"], meta.LocalRevPrefix))
	assert.Greater(t, lm.LastUpdate, *lm.LastSyncedUpdate)
	assert.Equal(t, remoteMeta(t, p).LastUpdate, *lm.LastSyncedUpdate)

	assert.Equal(t, StatusUpdateRemote, b.sync(t).Status)
	assert.Equal(t, StatusUpdateLocal, a.sync(t).Status)
	assert.Equal(t, `"edited-on-b"`, a.load(t, "project"))
	assert.Equal(t, `2`, a.load(t, "task"))
	assert.Equal(t, StatusInSync, b.sync(t).Status)
}

func TestSyncAfterRestoringBackupLeftByInterruptedDownload(t *testing.T) {
	ctx := context.Background()
	p := memory.New()
	a := newClient(t, p, "client-a", 1_000_000, clientOpts{})
	b := newClient(t, p, "client-b", 2_000_000, clientOpts{})

	a.save(t, "task", `1`)
	require.Equal(t, StatusUpdateRemoteAll, a.sync(t).Status)
	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)

	a.save(t, "task", `2`)
	require.Equal(t, StatusUpdateRemote, a.sync(t).Status)

	// the snapshot the download takes before writing, left behind as if the process died right
	// after the local meta was saved
	require.NoError(t, b.backup.Save(ctx))
	leftover, err := b.kv.Load(ctx, store.KeyTmpBackup)
	require.NoError(t, err)

	require.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	require.Equal(t, `2`, b.load(t, "task"))
	require.NoError(t, b.kv.Save(ctx, store.KeyTmpBackup, leftover))

	require.NoError(t, b.backup.Restore(ctx))
	assert.Equal(t, `1`, b.load(t, "task"))
	assert.NotEqual(t, remoteMeta(t, p).LastUpdate, *b.localMeta(t).LastSyncedUpdate)

	assert.Equal(t, StatusUpdateLocal, b.sync(t).Status)
	assert.Equal(t, `2`, b.load(t, "task"))
	assert.Equal(t, StatusInSync, b.sync(t).Status)
}
