package sync

import (
	gosync "sync"
	"time"
)

const trackerEventBufferSize = 16

// RunState is what the sync loop is doing right now.
type RunState string

const (
	RunStateIdle    RunState = "idle"
	RunStateSyncing RunState = "syncing"
	RunStateError   RunState = "error"
)

// Snapshot is a copy of the tracker state.
type Snapshot struct {
	State        RunState       `json:"state"`
	Op           string         `json:"op,omitempty"`
	LastStatus   Status         `json:"lastStatus,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	LastConflict *ConflictData  `json:"lastConflict,omitempty"`
	LastStarted  time.Time      `json:"lastStarted,omitempty"`
	LastFinished time.Time      `json:"lastFinished,omitempty"`
	LastDuration time.Duration  `json:"lastDuration"`
	Runs         int            `json:"runs"`
	Errors       int            `json:"errors"`
	Counts       map[Status]int `json:"counts"`
}

// Tracker records sync runs for status reporting and broadcasts every change.
type Tracker struct {
	snap Snapshot
	mu   gosync.RWMutex

	subs  []chan Snapshot
	subMu gosync.RWMutex
}

func NewTracker() *Tracker {
	return &Tracker{
		snap: Snapshot{
			State:  RunStateIdle,
			Counts: make(map[Status]int),
		},
	}
}

// Begin marks the start of op.
func (t *Tracker) Begin(op string) {
	t.mu.Lock()
	t.snap.State = RunStateSyncing
	t.snap.Op = op
	t.snap.LastStarted = time.Now()
	snap := t.copyLocked()
	t.mu.Unlock()

	t.broadcast(snap)
}

// Finish records the outcome of the op started by Begin.
func (t *Tracker) Finish(res *Result, err error) {
	t.mu.Lock()
	now := time.Now()
	t.snap.Runs++
	t.snap.LastFinished = now
	t.snap.LastDuration = now.Sub(t.snap.LastStarted)
	t.snap.Op = ""

	if err != nil {
		t.snap.State = RunStateError
		t.snap.LastError = err.Error()
		t.snap.Errors++
	} else {
		t.snap.State = RunStateIdle
		t.snap.LastError = ""
		if res != nil {
			t.snap.LastStatus = res.Status
			t.snap.LastConflict = res.Conflict
			t.snap.Counts[res.Status]++
		}
	}
	snap := t.copyLocked()
	t.mu.Unlock()

	t.broadcast(snap)
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.copyLocked()
}

func (t *Tracker) copyLocked() Snapshot {
	out := t.snap
	out.Counts = make(map[Status]int, len(t.snap.Counts))
	for k, v := range t.snap.Counts {
		out.Counts[k] = v
	}
	return out
}

// Subscribe returns a channel receiving a snapshot after every change.
func (t *Tracker) Subscribe() <-chan Snapshot {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	ch := make(chan Snapshot, trackerEventBufferSize)
	t.subs = append(t.subs, ch)
	return ch
}

func (t *Tracker) Unsubscribe(ch <-chan Snapshot) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for i, sub := range t.subs {
		if sub == ch {
			close(sub)
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *Tracker) broadcast(snap Snapshot) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()

	for _, sub := range t.subs {
		select {
		case sub <- snap:
		default:
			// subscriber is slow, drop
		}
	}
}
