// Package backup keeps a temporary copy of all synced models while a download import is in
// progress, so an interrupted import can be rolled back on the next start.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/store"
)

var ErrNoBackup = errors.New("backup: no backup present")

// Backup is the stored snapshot.
type Backup struct {
	CreatedAt time.Time                  `json:"createdAt"`
	Data      map[string]json.RawMessage `json:"data"`
	// Meta is the local meta the models belong to.
	Meta *meta.LocalMeta `json:"meta,omitempty"`
}

// ModelIDs returns the ids contained in the backup.
func (b *Backup) ModelIDs() []string {
	ids := make([]string, 0, len(b.Data))
	for id := range b.Data {
		ids = append(ids, id)
	}
	return ids
}

type Service struct {
	kv       store.Store
	registry *model.Registry
	meta     *meta.Store
}

func NewService(kv store.Store, registry *model.Registry, ms *meta.Store) *Service {
	return &Service{kv: kv, registry: registry, meta: ms}
}

// Save snapshots every synced model together with the local meta.
func (s *Service) Save(ctx context.Context) error {
	data, err := s.registry.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load models for backup: %w", err)
	}
	lm, err := s.meta.Load(ctx)
	if err != nil {
		return fmt.Errorf("load meta for backup: %w", err)
	}

	raw, err := json.Marshal(&Backup{CreatedAt: time.Now().UTC(), Data: data, Meta: lm})
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	if err := s.kv.Save(ctx, store.KeyTmpBackup, raw); err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	slog.Debug("tmp backup saved", "models", len(data), "size", humanize.Bytes(uint64(len(raw))))
	return nil
}

// Clear drops the snapshot.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.kv.Remove(ctx, store.KeyTmpBackup); err != nil {
		return fmt.Errorf("clear backup: %w", err)
	}
	return nil
}

// CheckStray returns a leftover snapshot, or nil if there is none. A leftover means an import
// was interrupted before it finished.
func (s *Service) CheckStray(ctx context.Context) (*Backup, error) {
	raw, err := s.kv.Load(ctx, store.KeyTmpBackup)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("load backup: %w", err)
	}

	var b Backup
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	return &b, nil
}

// Restore writes the snapshot back and removes it. The meta record is rolled back with the
// models, so an import that got as far as saving the meta is downloaded again by the next sync.
func (s *Service) Restore(ctx context.Context) error {
	b, err := s.CheckStray(ctx)
	if err != nil {
		return err
	}
	if b == nil {
		return ErrNoBackup
	}

	if err := s.registry.SaveAll(ctx, b.Data, model.SaveOptions{IsImport: true, SkipMetaUpdate: true}); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}
	if b.Meta != nil {
		if err := s.meta.Save(ctx, b.Meta); err != nil {
			return fmt.Errorf("restore backup meta: %w", err)
		}
	}
	slog.Info("backup restored", "models", len(b.Data), "created", b.CreatedAt)
	return s.Clear(ctx)
}
