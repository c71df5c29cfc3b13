// Package localfs stores sync objects as files in a folder, typically one shared through a file
// sync tool or a network mount.
package localfs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/rev"
	"github.com/openmined/pfsync/internal/utils"
)

const (
	ProviderID = "localfs"

	lockFileName         = ".pfsync.lock"
	defaultMaxConcurrent = 4
)

var ErrInvalidPath = errors.New("localfs: invalid object path")

type Config struct {
	Dir           string
	MaxConcurrent int
}

// Provider writes each object to <dir>/<path>. Writes hold a file lock so that several processes
// sharing the folder see a consistent compare-and-write.
type Provider struct {
	root          string
	maxConcurrent int

	mu    sync.Mutex
	flock *flock.Flock
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	root, err := utils.ResolvePath(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("localfs: %w", err)
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("localfs: create root: %w", err)
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	return &Provider{
		root:          root,
		maxConcurrent: maxConcurrent,
		flock:         flock.New(filepath.Join(root, lockFileName)),
	}, nil
}

func (p *Provider) ID() string {
	return ProviderID
}

func (p *Provider) MaxConcurrentRequests() int {
	return p.maxConcurrent
}

// Root returns the resolved folder.
func (p *Provider) Root() string {
	return p.root
}

func (p *Provider) IsReady(_ context.Context) (bool, error) {
	return utils.DirExists(p.root), nil
}

func (p *Provider) UploadFile(ctx context.Context, name, data, expectedRev string, overwrite bool) (string, error) {
	path, err := p.path(name)
	if err != nil {
		return "", provider.Wrap("upload", name, err)
	}

	unlock, err := p.lock(ctx)
	if err != nil {
		return "", provider.Wrap("upload", name, err)
	}
	defer unlock()

	if !overwrite {
		cur, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return "", provider.Wrap("upload", name, err)
		case expectedRev == "":
			return "", provider.Wrap("upload", name, provider.ErrAlreadyExists)
		case !rev.IsSameRev(expectedRev, contentRev(cur)):
			return "", provider.Wrap("upload", name, provider.ErrRevMismatch)
		}
	}

	if err := utils.WriteFileAtomic(path, []byte(data), 0o644); err != nil {
		return "", provider.Wrap("upload", name, err)
	}
	return contentRev([]byte(data)), nil
}

func (p *Provider) DownloadFile(_ context.Context, name, expectedRev string) (*provider.DownloadResult, error) {
	path, err := p.path(name)
	if err != nil {
		return nil, provider.Wrap("download", name, err)
	}

	data, err := p.read(path)
	if err != nil {
		return nil, provider.Wrap("download", name, err)
	}

	r := contentRev(data)
	if expectedRev != "" && !rev.IsSameRev(expectedRev, r) {
		return nil, provider.Wrap("download", name, provider.ErrRevMismatch)
	}
	return &provider.DownloadResult{Data: string(data), Rev: r}, nil
}

func (p *Provider) RemoveFile(ctx context.Context, name string) error {
	path, err := p.path(name)
	if err != nil {
		return provider.Wrap("remove", name, err)
	}

	unlock, err := p.lock(ctx)
	if err != nil {
		return provider.Wrap("remove", name, err)
	}
	defer unlock()

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return provider.Wrap("remove", name, provider.ErrNoRemoteData)
	}
	return provider.Wrap("remove", name, err)
}

func (p *Provider) GetFileRev(_ context.Context, name, _ string) (string, error) {
	path, err := p.path(name)
	if err != nil {
		return "", provider.Wrap("rev", name, err)
	}
	data, err := p.read(path)
	if err != nil {
		return "", provider.Wrap("rev", name, err)
	}
	return contentRev(data), nil
}

func (p *Provider) read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, provider.ErrNoRemoteData
	}
	return data, err
}

// lock serialises writers of this process with a mutex and other processes with the lock file.
func (p *Provider) lock(ctx context.Context) (func(), error) {
	p.mu.Lock()
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if err := p.flock.Lock(); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", p.flock.Path(), err)
	}
	return func() {
		if err := p.flock.Unlock(); err != nil {
			slog.Warn("localfs unlock failed", "path", p.flock.Path(), "error", err)
		}
		p.mu.Unlock()
	}, nil
}

func (p *Provider) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == "." || clean == lockFileName ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return filepath.Join(p.root, clean), nil
}

func contentRev(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
