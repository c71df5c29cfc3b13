// Package lock implements the cooperative remote lock guarding multi-file updates. The lock is a
// single remote object whose content is the holder's client id.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/store"
)

// Key is the remote path of the lock object.
const Key = store.KeyLock

var (
	// ErrForeignLock means another client holds the lock.
	ErrForeignLock = errors.New("lock: held by another client")
	// ErrSelfStaleLock means a lock with our own client id was left behind by an earlier run.
	ErrSelfStaleLock = errors.New("lock: stale lock of this client")
	ErrWriteFailed   = errors.New("lock: write failed")
	// ErrCorruptLock means the lock exists but its content is empty or unreadable.
	ErrCorruptLock = errors.New("lock: corrupt lock")
)

// HeldError names the client holding a foreign lock.
type HeldError struct {
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock held by client %q", e.Holder)
}

func (e *HeldError) Unwrap() error {
	return ErrForeignLock
}

// Coordinator acquires and releases the lock on behalf of one client.
type Coordinator struct {
	provider provider.Provider
	clientID string
}

func NewCoordinator(p provider.Provider, clientID string) *Coordinator {
	return &Coordinator{provider: p, clientID: clientID}
}

func (c *Coordinator) ClientID() string {
	return c.clientID
}

// Acquire creates the lock object. If it already exists the current holder decides the error:
// our own id gives ErrSelfStaleLock, another id a *HeldError, no readable id ErrCorruptLock.
func (c *Coordinator) Acquire(ctx context.Context) error {
	_, err := c.provider.UploadFile(ctx, Key, c.clientID, "", false)
	if err == nil {
		slog.Debug("lock acquired", "client", c.clientID)
		return nil
	}
	if !errors.Is(err, provider.ErrAlreadyExists) && !errors.Is(err, provider.ErrRevMismatch) {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	holder, err := c.Holder(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("%w: %w", ErrCorruptLock, err)
	case holder == "":
		return ErrCorruptLock
	case holder == c.clientID:
		slog.Warn("found stale lock of this client", "client", c.clientID)
		return ErrSelfStaleLock
	default:
		return &HeldError{Holder: holder}
	}
}

// ForceAcquire writes the lock regardless of its current state.
func (c *Coordinator) ForceAcquire(ctx context.Context) error {
	if _, err := c.provider.UploadFile(ctx, Key, c.clientID, "", true); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	slog.Debug("lock force acquired", "client", c.clientID)
	return nil
}

// Release removes the lock object. A lock that is already gone is not an error.
func (c *Coordinator) Release(ctx context.Context) error {
	err := c.provider.RemoveFile(ctx, Key)
	if err != nil && !errors.Is(err, provider.ErrNoRemoteData) {
		return fmt.Errorf("release lock: %w", err)
	}
	slog.Debug("lock released", "client", c.clientID)
	return nil
}

// Holder returns the client id stored in the lock, or "" when there is no lock.
func (c *Coordinator) Holder(ctx context.Context) (string, error) {
	res, err := c.provider.DownloadFile(ctx, Key, "")
	if errors.Is(err, provider.ErrNoRemoteData) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Data), nil
}
