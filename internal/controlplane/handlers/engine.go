package handlers

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/backup"
	"github.com/openmined/pfsync/internal/meta"
	"github.com/openmined/pfsync/internal/sync"
)

// Engine is the sync client as seen by the control plane.
type Engine interface {
	Info(ctx context.Context) (*ClientInfo, error)
	Snapshot() sync.Snapshot

	Sync(ctx context.Context) (*sync.Result, error)
	UploadAll(ctx context.Context) error
	DownloadAll(ctx context.Context) error

	LocalMeta(ctx context.Context) (*meta.LocalMeta, error)
	RemoteMeta(ctx context.Context) (*meta.RemoteMeta, string, error)

	Backup(ctx context.Context) (*backup.Backup, error)
	RestoreBackup(ctx context.Context) error
	ClearBackup(ctx context.Context) error

	GetModel(ctx context.Context, id string) (json.RawMessage, error)
	SetModel(ctx context.Context, id string, data json.RawMessage) error
}

// ClientInfo describes the running client.
type ClientInfo struct {
	ClientID  string    `json:"clientId"`
	Provider  string    `json:"provider"`
	Mode      sync.Mode `json:"mode"`
	DataDir   string    `json:"dataDir"`
	Models    []string  `json:"models"`
	StartedAt time.Time `json:"startedAt"`
}
