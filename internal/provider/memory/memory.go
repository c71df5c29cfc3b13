// Package memory is an in-process provider. It honours create-only and rev-gated writes, so it
// doubles as the reference implementation in tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/rev"
)

const ProviderID = "memory"

// Op names used for call counting and fault injection.
const (
	OpUpload   = "upload"
	OpDownload = "download"
	OpRemove   = "remove"
	OpRev      = "rev"
)

type object struct {
	data string
	rev  string
}

type faultKey struct {
	op   string
	path string
}

// Provider keeps objects in a map.
type Provider struct {
	objects map[string]object
	seq     uint64
	faults  map[faultKey][]error
	calls   map[string]int
	mu      sync.Mutex

	maxConcurrent int
	latency       time.Duration
	notReady      bool

	inFlight atomic.Int32
	peak     atomic.Int32
}

var _ provider.Provider = (*Provider)(nil)

type Option func(*Provider)

// WithMaxConcurrent sets the advertised concurrency limit (default 4).
func WithMaxConcurrent(n int) Option {
	return func(p *Provider) {
		p.maxConcurrent = n
	}
}

// WithLatency delays every call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) {
		p.latency = d
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		objects:       make(map[string]object),
		faults:        make(map[faultKey][]error),
		calls:         make(map[string]int),
		maxConcurrent: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string {
	return ProviderID
}

func (p *Provider) IsReady(_ context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.notReady, nil
}

// SetReady toggles IsReady.
func (p *Provider) SetReady(ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notReady = !ready
}

func (p *Provider) MaxConcurrentRequests() int {
	return p.maxConcurrent
}

func (p *Provider) UploadFile(ctx context.Context, path, data, expectedRev string, overwrite bool) (string, error) {
	done, err := p.begin(ctx, OpUpload, path)
	defer done()
	if err != nil {
		return "", provider.Wrap(OpUpload, path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur, exists := p.objects[path]
	if exists && !overwrite {
		if expectedRev == "" {
			return "", provider.Wrap(OpUpload, path, provider.ErrAlreadyExists)
		}
		if !rev.IsSameRev(expectedRev, cur.rev) {
			return "", provider.Wrap(OpUpload, path, provider.ErrRevMismatch)
		}
	}

	return p.store(path, data), nil
}

func (p *Provider) DownloadFile(ctx context.Context, path, expectedRev string) (*provider.DownloadResult, error) {
	done, err := p.begin(ctx, OpDownload, path)
	defer done()
	if err != nil {
		return nil, provider.Wrap(OpDownload, path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[path]
	if !ok {
		return nil, provider.Wrap(OpDownload, path, provider.ErrNoRemoteData)
	}
	if expectedRev != "" && !rev.IsSameRev(expectedRev, obj.rev) {
		return nil, provider.Wrap(OpDownload, path, provider.ErrRevMismatch)
	}
	return &provider.DownloadResult{Data: obj.data, Rev: obj.rev}, nil
}

func (p *Provider) RemoveFile(ctx context.Context, path string) error {
	done, err := p.begin(ctx, OpRemove, path)
	defer done()
	if err != nil {
		return provider.Wrap(OpRemove, path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.objects[path]; !ok {
		return provider.Wrap(OpRemove, path, provider.ErrNoRemoteData)
	}
	delete(p.objects, path)
	return nil
}

func (p *Provider) GetFileRev(ctx context.Context, path, _ string) (string, error) {
	done, err := p.begin(ctx, OpRev, path)
	defer done()
	if err != nil {
		return "", provider.Wrap(OpRev, path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[path]
	if !ok {
		return "", provider.Wrap(OpRev, path, provider.ErrNoRemoteData)
	}
	return obj.rev, nil
}

// begin counts the call, applies latency and returns an injected fault if one is queued.
func (p *Provider) begin(ctx context.Context, op, path string) (func(), error) {
	cur := p.inFlight.Add(1)
	for {
		old := p.peak.Load()
		if cur <= old || p.peak.CompareAndSwap(old, cur) {
			break
		}
	}
	done := func() { p.inFlight.Add(-1) }

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return done, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[op]++
	k := faultKey{op: op, path: path}
	if errs := p.faults[k]; len(errs) > 0 {
		p.faults[k] = errs[1:]
		return done, errs[0]
	}
	return done, nil
}

// FailNext makes the next call of op on path return err. Calls queue up.
func (p *Provider) FailNext(op, path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := faultKey{op: op, path: path}
	p.faults[k] = append(p.faults[k], err)
}

// Calls returns how often op was called.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// PeakInFlight returns the highest number of concurrent calls observed.
func (p *Provider) PeakInFlight() int {
	return int(p.peak.Load())
}

// Put stores an object directly, bypassing revision checks, and returns its revision.
func (p *Provider) Put(path, data string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store(path, data)
}

func (p *Provider) store(path, data string) string {
	p.seq++
	r := fmt.Sprintf("%d-%s", p.seq, uuid.NewString()[:8])
	p.objects[path] = object{data: data, rev: r}
	return r
}

// Get returns an object's content.
func (p *Provider) Get(path string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[path]
	return obj.data, ok
}

// Paths lists stored object paths.
func (p *Provider) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.objects))
	for k := range p.objects {
		out = append(out, k)
	}
	return out
}
