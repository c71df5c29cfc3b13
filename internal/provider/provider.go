// Package provider defines the remote storage contract the sync engine talks to.
package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoRemoteData is returned when the remote object does not exist.
	ErrNoRemoteData = errors.New("provider: no remote data")
	// ErrAlreadyExists is returned by create-only writes when the object exists.
	ErrAlreadyExists = errors.New("provider: remote object already exists")
	// ErrRevMismatch is returned when a rev-gated operation finds a different revision.
	ErrRevMismatch = errors.New("provider: revision mismatch")
	ErrNotReady    = errors.New("provider: not ready")
)

// Error wraps a provider failure with the operation and remote path.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Err: err}
}

// DownloadResult is a downloaded object and its revision.
type DownloadResult struct {
	Data string
	Rev  string
}

// Provider stores text objects addressed by a flat path.
type Provider interface {
	// ID names the provider for logs and status output.
	ID() string

	IsReady(ctx context.Context) (bool, error)

	// MaxConcurrentRequests caps parallel transfers against this provider.
	MaxConcurrentRequests() int

	// UploadFile writes data and returns the new revision.
	// With overwrite=false an existing object fails with ErrAlreadyExists when expectedRev is
	// empty, and with ErrRevMismatch when expectedRev no longer matches.
	UploadFile(ctx context.Context, path, data, expectedRev string, overwrite bool) (string, error)

	// DownloadFile returns ErrNoRemoteData for a missing object and ErrRevMismatch when
	// expectedRev is set and differs from the current revision.
	DownloadFile(ctx context.Context, path, expectedRev string) (*DownloadResult, error)

	RemoveFile(ctx context.Context, path string) error

	// GetFileRev returns the current revision without the body, or ErrNoRemoteData.
	GetFileRev(ctx context.Context, path, localRev string) (string, error)
}
