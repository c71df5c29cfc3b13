package sync

import "errors"

var (
	// ErrNoSyncProvider means no storage provider is attached.
	ErrNoSyncProvider = errors.New("sync: no sync provider configured")
	// ErrNoRemoteMeta means the remote meta object does not exist yet. Sync treats it as the
	// first sync and uploads everything.
	ErrNoRemoteMeta = errors.New("sync: no remote meta file")
	// ErrInvalidMetaFile means the remote meta object could not be decoded.
	ErrInvalidMetaFile = errors.New("sync: invalid remote meta file")
	// ErrUnknownSyncState should be unreachable.
	ErrUnknownSyncState = errors.New("sync: unknown sync state")
	// ErrSyncAlreadyRunning is returned by hosts that refuse overlapping sync runs.
	ErrSyncAlreadyRunning = errors.New("sync: sync already running")
)
