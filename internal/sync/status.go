package sync

import (
	"github.com/openmined/pfsync/internal/meta"
)

// Status is the outcome of a sync run.
type Status string

const (
	StatusInSync               Status = "InSync"
	StatusUpdateLocal          Status = "UpdateLocal"
	StatusUpdateRemote         Status = "UpdateRemote"
	StatusUpdateRemoteAll      Status = "UpdateRemoteAll"
	StatusUpdateLocalAll       Status = "UpdateLocalAll"
	StatusConflict             Status = "Conflict"
	StatusIncompleteRemoteData Status = "IncompleteRemoteData"
	StatusNotConfigured        Status = "NotConfigured"
)

// Conflict reasons.
const (
	ReasonBothChanged          = "both-changed"
	ReasonNoLastSync           = "no-last-sync"
	ReasonLocalBeforeLastSync  = "local-before-last-sync"
	ReasonRemoteBeforeLastSync = "remote-before-last-sync"
	ReasonEmptyRemoteRev       = "empty-remote-revision"
	ReasonMissingMainModelData = "missing-main-model-data"
)

// ConflictData is handed to the caller when sync cannot decide on its own.
type ConflictData struct {
	Local     *meta.LocalMeta  `json:"local"`
	Remote    *meta.RemoteMeta `json:"remote"`
	RemoteRev string           `json:"remoteRev,omitempty"`
	Reason    string           `json:"reason"`
}

// Result is returned by Sync.
type Result struct {
	Status   Status        `json:"status"`
	Conflict *ConflictData `json:"conflict,omitempty"`
}

// StatusFromMeta decides the sync direction from the local and remote meta. Only the update
// timestamps matter, plus a check that the remote rev map has no empty revisions. The returned
// reason is set for Conflict and IncompleteRemoteData.
//
// Equal timestamps on both sides only count as in sync when they also equal the last synced
// update. Once a client has synced, both sides moving past it is a conflict even if they landed
// on the same timestamp.
func StatusFromMeta(remote *meta.RemoteMeta, local *meta.LocalMeta) (Status, string) {
	for _, r := range remote.RevMap {
		if r == "" {
			return StatusIncompleteRemoteData, ReasonEmptyRemoteRev
		}
	}

	if local.LastSyncedUpdate == nil {
		switch {
		case remote.LastUpdate == local.LastUpdate:
			return StatusInSync, ""
		case local.LastUpdate == 0:
			return StatusUpdateLocal, ""
		case remote.LastUpdate == 0:
			return StatusUpdateRemote, ""
		default:
			return StatusConflict, ReasonNoLastSync
		}
	}

	lastSync := *local.LastSyncedUpdate
	localChanged := local.LastUpdate != lastSync
	remoteChanged := remote.LastUpdate != lastSync

	switch {
	case localChanged && remoteChanged:
		return StatusConflict, ReasonBothChanged
	case localChanged:
		if local.LastUpdate < lastSync {
			return StatusConflict, ReasonLocalBeforeLastSync
		}
		return StatusUpdateRemote, ""
	case remoteChanged:
		if remote.LastUpdate < lastSync {
			return StatusConflict, ReasonRemoteBeforeLastSync
		}
		return StatusUpdateLocal, ""
	default:
		return StatusInSync, ""
	}
}
