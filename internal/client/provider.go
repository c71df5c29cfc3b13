package client

import (
	"context"
	"fmt"

	"github.com/openmined/pfsync/internal/config"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/provider/localfs"
	"github.com/openmined/pfsync/internal/provider/memory"
	"github.com/openmined/pfsync/internal/provider/s3"
	"github.com/openmined/pfsync/internal/provider/webdav"
)

// NewProvider builds the provider named in cfg. No provider gives nil, nil: the client then runs
// unsynced and reports NotConfigured.
func NewProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderNone:
		return nil, nil

	case config.ProviderMemory:
		return memory.New(), nil

	case config.ProviderLocalFS:
		p, err := localfs.New(localfs.Config{
			Dir:           cfg.LocalFS.Dir,
			MaxConcurrent: cfg.LocalFS.MaxConcurrent,
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	case config.ProviderS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:        cfg.S3.Bucket,
			Region:        cfg.S3.Region,
			AccessKey:     cfg.S3.AccessKey,
			SecretKey:     cfg.S3.SecretKey,
			Endpoint:      cfg.S3.Endpoint,
			Prefix:        cfg.S3.Prefix,
			MaxConcurrent: cfg.S3.MaxConcurrent,
			UseAccelerate: cfg.S3.UseAccelerate,
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	case config.ProviderWebDAV:
		p, err := webdav.New(webdav.Config{
			BaseURL:       cfg.WebDAV.BaseURL,
			Username:      cfg.WebDAV.Username,
			Password:      cfg.WebDAV.Password,
			MaxConcurrent: cfg.WebDAV.MaxConcurrent,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown provider %q", config.ErrInvalidConfig, cfg.Provider)
}
