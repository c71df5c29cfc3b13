package meta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/rev"
	"github.com/openmined/pfsync/internal/store"
)

// LocalRevPrefix marks rev map entries for models changed locally but not yet uploaded. Provider
// revisions never start with it, so the differ always selects such models for upload.
const LocalRevPrefix = "local~"

// Store caches the local meta record in memory and persists it in the key/value store.
type Store struct {
	kv                store.Store
	now               func() time.Time
	crossModelVersion float64

	cache    *LocalMeta
	clientID string
	mu       sync.Mutex
}

type Option func(*Store)

// WithClock overrides the time source used for LastUpdate.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithCrossModelVersion sets the meta format version written into fresh records.
func WithCrossModelVersion(v float64) Option {
	return func(s *Store) {
		s.crossModelVersion = v
	}
}

func NewStore(kv store.Store, opts ...Option) *Store {
	s := &Store{
		kv:                kv,
		now:               time.Now,
		crossModelVersion: DefaultCrossModelVersion,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns a copy of the local meta, reading the persisted record on a cache miss and
// falling back to an empty default record.
func (s *Store) Load(ctx context.Context) (*LocalMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

func (s *Store) load(ctx context.Context) (*LocalMeta, error) {
	if s.cache != nil {
		return s.cache, nil
	}

	raw, err := s.kv.Load(ctx, store.KeyMeta)
	if errors.Is(err, store.ErrNotFound) {
		s.cache = s.defaultMeta()
		return s.cache, nil
	} else if err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}

	var m LocalMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	m.Normalize()
	s.cache = &m
	return s.cache, nil
}

func (s *Store) defaultMeta() *LocalMeta {
	return &LocalMeta{
		MetaBase: MetaBase{
			CrossModelVersion: s.crossModelVersion,
			ModelVersions:     map[string]float64{},
			RevMap:            rev.Map{},
		},
	}
}

// Save validates and persists m, replacing the cached record.
func (s *Store) Save(ctx context.Context, m *LocalMeta) error {
	if m == nil {
		return fmt.Errorf("%w: nil meta", ErrInvalidMeta)
	}
	m = m.Clone()
	m.Normalize()
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, m)
}

func (s *Store) save(ctx context.Context, m *LocalMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := s.kv.Save(ctx, store.KeyMeta, raw); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	s.cache = m
	slog.Debug("meta saved", "lastUpdate", m.LastUpdate, "lastSyncedUpdate", m.LastSyncedUpdate, "metaRev", m.MetaRev)
	return nil
}

// OnModelSave records a local change of model id: LastUpdate moves forward (strictly, even when
// the clock did not), the model version is stored and the rev map entry becomes a local marker.
func (s *Store) OnModelSave(ctx context.Context, id string, version float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(ctx)
	if err != nil {
		return err
	}

	m := cur.Clone()
	ts := s.now().UnixMilli()
	if ts <= m.LastUpdate {
		ts = m.LastUpdate + 1
	}
	m.LastUpdate = ts
	m.ModelVersions[id] = version
	m.RevMap[id] = fmt.Sprintf("%s%d", LocalRevPrefix, ts)

	return s.save(ctx, m)
}

// ClientID returns the persisted client id, generating and storing one on first use.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientID != "" {
		return s.clientID, nil
	}

	raw, err := s.kv.Load(ctx, store.KeyClientID)
	if err == nil && len(raw) > 0 {
		s.clientID = string(raw)
		return s.clientID, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load client id: %w", err)
	}

	id := fmt.Sprintf("%s_%d", environmentID(), s.now().UnixMilli())
	if err := s.kv.Save(ctx, store.KeyClientID, []byte(id)); err != nil {
		return "", fmt.Errorf("save client id: %w", err)
	}
	slog.Info("generated client id", "clientId", id)
	s.clientID = id
	return id, nil
}

// Invalidate drops the cached record so the next Load reads the store.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
}
