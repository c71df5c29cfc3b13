package sync

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/rev"
)

// Mode selects how models travel to the remote.
type Mode string

const (
	// ModeMultiFile stores one remote object per model.
	ModeMultiFile Mode = "multi"
	// ModeMainFile inlines main file models into the meta object.
	ModeMainFile Mode = "main"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeMultiFile, "":
		return ModeMultiFile, nil
	case ModeMainFile:
		return ModeMainFile, nil
	}
	return "", fmt.Errorf("unknown sync mode %q", s)
}

// strategy holds everything that differs between the two modes. It is picked once in NewSyncer.
type strategy interface {
	mode() Mode
	// lockOnSync reports whether Sync takes the lock up front, in parallel with the meta download.
	lockOnSync() bool
	// excluded ids never get their own remote object.
	excluded() mapset.Set[string]
	// checkRemote returns a reason when the remote meta is not usable.
	checkRemote(remote *meta.RemoteMeta) string
	// inlineData picks the payloads that travel inside the meta object.
	inlineData(all map[string]json.RawMessage) map[string]json.RawMessage
	// applyInline writes inlined payloads of remote into the local models.
	applyInline(ctx context.Context, remote *meta.RemoteMeta) error
	// stripRevMap removes ids that must not appear in a rev map.
	stripRevMap(m rev.Map) rev.Map
}

func newStrategy(m Mode, registry *model.Registry) strategy {
	if m == ModeMainFile {
		return &mainFileStrategy{registry: registry, mainIDs: registry.MainFileSet()}
	}
	return multiFileStrategy{}
}

type multiFileStrategy struct{}

func (multiFileStrategy) mode() Mode                                          { return ModeMultiFile }
func (multiFileStrategy) lockOnSync() bool                                    { return true }
func (multiFileStrategy) excluded() mapset.Set[string]                        { return nil }
func (multiFileStrategy) checkRemote(*meta.RemoteMeta) string                 { return "" }
func (multiFileStrategy) applyInline(context.Context, *meta.RemoteMeta) error { return nil }
func (multiFileStrategy) stripRevMap(m rev.Map) rev.Map                       { return m }

func (multiFileStrategy) inlineData(map[string]json.RawMessage) map[string]json.RawMessage {
	return nil
}

type mainFileStrategy struct {
	registry *model.Registry
	mainIDs  mapset.Set[string]
}

func (s *mainFileStrategy) mode() Mode                   { return ModeMainFile }
func (s *mainFileStrategy) lockOnSync() bool             { return false }
func (s *mainFileStrategy) excluded() mapset.Set[string] { return s.mainIDs }

// checkRemote flags a remote that knows a main file model but carries no payload for it.
func (s *mainFileStrategy) checkRemote(remote *meta.RemoteMeta) string {
	for id := range remote.ModelVersions {
		if !s.mainIDs.Contains(id) {
			continue
		}
		if _, ok := remote.MainModelData[id]; !ok {
			return ReasonMissingMainModelData
		}
	}
	return ""
}

func (s *mainFileStrategy) inlineData(all map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, s.mainIDs.Cardinality())
	for id := range s.mainIDs.Iter() {
		if data, ok := all[id]; ok {
			out[id] = data
		}
	}
	return out
}

func (s *mainFileStrategy) applyInline(ctx context.Context, remote *meta.RemoteMeta) error {
	data := make(map[string]json.RawMessage)
	for id, payload := range remote.MainModelData {
		if s.mainIDs.Contains(id) {
			data[id] = payload
		}
	}
	if len(data) == 0 {
		return nil
	}
	return s.registry.SaveAll(ctx, data, model.SaveOptions{IsSync: true})
}

func (s *mainFileStrategy) stripRevMap(m rev.Map) rev.Map {
	out := m.Clone()
	for id := range s.mainIDs.Iter() {
		delete(out, id)
	}
	return out
}
