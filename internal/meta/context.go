package meta

import (
	"context"
	"fmt"

	"github.com/openmined/pfsync/internal/store"
)

// SyncContext is the per-process sync identity and meta cache, created once and handed to the
// lock coordinator and the orchestrator.
type SyncContext struct {
	ClientID string
	Meta     *Store
}

func NewSyncContext(ctx context.Context, kv store.Store, opts ...Option) (*SyncContext, error) {
	ms := NewStore(kv, opts...)
	clientID, err := ms.ClientID(ctx)
	if err != nil {
		return nil, fmt.Errorf("client id: %w", err)
	}
	return &SyncContext{
		ClientID: clientID,
		Meta:     ms,
	}, nil
}
