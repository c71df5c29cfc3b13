// Package store persists local records (meta, client id, model payloads, backups) as key/value pairs.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("store: key not found")
	ErrClosed   = errors.New("store: closed")
)

// Reserved keys. Every other key holds the payload of the model with that id.
const (
	KeyMeta      = "__meta_"
	KeyClientID  = "__client_id_"
	KeyLock      = "__lock_"
	KeyTmpBackup = "__tmp_backup_"
)

// IsReserved reports whether key is used for bookkeeping rather than a model.
func IsReserved(key string) bool {
	switch key {
	case KeyMeta, KeyClientID, KeyLock, KeyTmpBackup:
		return true
	}
	return false
}

// Store is a small persistent key/value store.
type Store interface {
	// Load returns ErrNotFound for missing keys.
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	// Remove is a no-op for missing keys.
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
