package model

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/store"
)

const (
	defaultCacheSize = 128
	eventBufferSize  = 16
)

// Registry knows every model of the application and fans change events out to subscribers.
type Registry struct {
	ctrls map[string]*Ctrl
	ids   []string

	subs  []chan ChangeEvent
	subMu sync.RWMutex
}

// NewRegistry validates cfgs and builds one controller per model.
func NewRegistry(kv store.Store, ms *meta.Store, cfgs []Config) (*Registry, error) {
	cache, err := lru.New[string, json.RawMessage](defaultCacheSize)
	if err != nil {
		return nil, err
	}

	r := &Registry{ctrls: make(map[string]*Ctrl, len(cfgs))}
	for _, cfg := range cfgs {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.ctrls[cfg.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidModel, cfg.ID)
		}
		r.ctrls[cfg.ID] = &Ctrl{
			cfg:      cfg,
			kv:       kv,
			meta:     ms,
			cache:    cache,
			onChange: r.publish,
		}
		r.ids = append(r.ids, cfg.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

func (r *Registry) Get(id string) (*Ctrl, error) {
	c, ok := r.ctrls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return c, nil
}

// IDs returns every model id, sorted.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// SyncIDs returns the ids of models that take part in sync.
func (r *Registry) SyncIDs() []string {
	return r.filter(func(c Config) bool { return !c.IsLocalOnly })
}

// MainFileIDs returns the synced models flagged as main file models.
func (r *Registry) MainFileIDs() []string {
	return r.filter(func(c Config) bool { return !c.IsLocalOnly && c.IsMainFileModel })
}

func (r *Registry) filter(keep func(Config) bool) []string {
	out := []string{}
	for _, id := range r.ids {
		if keep(r.ctrls[id].cfg) {
			out = append(out, id)
		}
	}
	return out
}

// SyncSet is SyncIDs as a set.
func (r *Registry) SyncSet() mapset.Set[string] {
	return mapset.NewSet(r.SyncIDs()...)
}

// MainFileSet is MainFileIDs as a set.
func (r *Registry) MainFileSet() mapset.Set[string] {
	return mapset.NewSet(r.MainFileIDs()...)
}

// LoadAll returns the payload of every synced model.
func (r *Registry) LoadAll(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	for _, id := range r.SyncIDs() {
		data, err := r.ctrls[id].Load(ctx)
		if err != nil {
			return nil, err
		}
		out[id] = data
	}
	return out, nil
}

// ImportAll saves every payload in data as a sync write or an import.
func (r *Registry) ImportAll(ctx context.Context, data map[string]json.RawMessage, isSync bool) error {
	return r.SaveAll(ctx, data, SaveOptions{IsSync: isSync, IsImport: !isSync})
}

// SaveAll saves every payload in data. Unknown ids are rejected before anything is written.
func (r *Registry) SaveAll(ctx context.Context, data map[string]json.RawMessage, opts SaveOptions) error {
	ids := make([]string, 0, len(data))
	for id := range data {
		if _, err := r.Get(id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := r.ctrls[id].Save(ctx, data[id], opts); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns a channel of change events. Slow subscribers miss events rather than block
// writers.
func (r *Registry) Subscribe() <-chan ChangeEvent {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	ch := make(chan ChangeEvent, eventBufferSize)
	r.subs = append(r.subs, ch)
	return ch
}

// Unsubscribe closes and removes ch.
func (r *Registry) Unsubscribe(ch <-chan ChangeEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subs {
		if sub == ch {
			close(sub)
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *Registry) publish(ev ChangeEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, sub := range r.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}
