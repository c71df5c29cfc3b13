// Package meta owns the sync bookkeeping record: rev map, model versions, update timestamps and
// the client identity.
package meta

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/rev"
)

const DefaultCrossModelVersion = 1.0

var ErrInvalidMeta = errors.New("meta: invalid meta")

// MetaBase is the part of the meta record shared by the local and the remote copy.
type MetaBase struct {
	CrossModelVersion float64            `json:"crossModelVersion"`
	ModelVersions     map[string]float64 `json:"modelVersions"`
	RevMap            rev.Map            `json:"revMap"`
	// LastUpdate is the unix millis of the most recent model change.
	LastUpdate int64 `json:"lastUpdate"`
}

func (b MetaBase) clone() MetaBase {
	out := b
	out.RevMap = b.RevMap.Clone()
	out.ModelVersions = make(map[string]float64, len(b.ModelVersions))
	for k, v := range b.ModelVersions {
		out.ModelVersions[k] = v
	}
	return out
}

// LocalMeta is the persisted local copy. It never leaves the device.
type LocalMeta struct {
	MetaBase
	// LastSyncedUpdate is LastUpdate as of the last successful sync. Nil before the first sync.
	LastSyncedUpdate *int64 `json:"lastSyncedUpdate"`
	// MetaRev is the revision of the remote meta object as last observed.
	MetaRev string `json:"metaRev,omitempty"`
}

// Clone returns a deep copy.
func (m *LocalMeta) Clone() *LocalMeta {
	out := &LocalMeta{
		MetaBase: m.MetaBase.clone(),
		MetaRev:  m.MetaRev,
	}
	if m.LastSyncedUpdate != nil {
		v := *m.LastSyncedUpdate
		out.LastSyncedUpdate = &v
	}
	return out
}

// Validate checks the local invariants.
func (m *LocalMeta) Validate() error {
	if m.LastSyncedUpdate != nil && *m.LastSyncedUpdate > m.LastUpdate {
		return fmt.Errorf("%w: lastSyncedUpdate %d is after lastUpdate %d", ErrInvalidMeta, *m.LastSyncedUpdate, m.LastUpdate)
	}
	if _, err := rev.ValidateMap(m.RevMap); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMeta, err)
	}
	return nil
}

// IsSynced reports whether nothing changed locally since the last sync.
func (m *LocalMeta) IsSynced() bool {
	return m.LastSyncedUpdate != nil && *m.LastSyncedUpdate == m.LastUpdate
}

// RemoteMeta is the meta object stored on the provider.
type RemoteMeta struct {
	MetaBase
	// MainModelData holds inlined payloads of main file models (main file mode only).
	MainModelData map[string]json.RawMessage `json:"mainModelData,omitempty"`
}

// Clone returns a deep copy. Inlined payloads are shared since they are never mutated.
func (m *RemoteMeta) Clone() *RemoteMeta {
	out := &RemoteMeta{MetaBase: m.MetaBase.clone()}
	if m.MainModelData != nil {
		out.MainModelData = make(map[string]json.RawMessage, len(m.MainModelData))
		for k, v := range m.MainModelData {
			out.MainModelData[k] = v
		}
	}
	return out
}

// Normalize fills nil maps so decoded records from older clients are safe to use.
func (b *MetaBase) Normalize() {
	if b.RevMap == nil {
		b.RevMap = rev.Map{}
	}
	if b.ModelVersions == nil {
		b.ModelVersions = map[string]float64{}
	}
	if b.CrossModelVersion == 0 {
		b.CrossModelVersion = DefaultCrossModelVersion
	}
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
