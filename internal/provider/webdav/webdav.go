// Package webdav stores sync objects in a WebDAV collection (Nextcloud, ownCloud, Apache
// mod_dav, rclone serve webdav, ...). Conditional PUTs give create-only and rev-gated writes.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/rev"
	"github.com/openmined/pfsync/internal/version"
)

const (
	ProviderID = "webdav"

	methodMkcol          = "MKCOL"
	defaultMaxConcurrent = 4
	readRetries          = 2
)

type Config struct {
	BaseURL       string
	Username      string
	Password      string
	MaxConcurrent int
	Timeout       time.Duration
}

type Provider struct {
	client        *req.Client
	baseURL       string
	maxConcurrent int
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("webdav: invalid base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	client := req.C().
		SetUserAgent(version.AppName + "/" + version.Version).
		SetTimeout(timeout)
	if cfg.Username != "" {
		client.SetCommonBasicAuth(cfg.Username, cfg.Password)
	}

	return &Provider{
		client:        client,
		baseURL:       base.String(),
		maxConcurrent: maxConcurrent,
	}, nil
}

func (p *Provider) ID() string {
	return ProviderID
}

func (p *Provider) MaxConcurrentRequests() int {
	return p.maxConcurrent
}

// IsReady creates the base collection if needed. Authentication failures report not ready.
func (p *Provider) IsReady(ctx context.Context) (bool, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		Send(methodMkcol, p.baseURL+"/")
	if err != nil {
		return false, fmt.Errorf("webdav: %w", err)
	}

	switch resp.GetStatusCode() {
	case http.StatusCreated, http.StatusOK:
		slog.Info("webdav created base folder", "url", p.baseURL)
		return true, nil
	case http.StatusMethodNotAllowed, http.StatusMovedPermanently:
		// already exists
		return true, nil
	default:
		slog.Warn("webdav not ready", "url", p.baseURL, "status", resp.GetStatusCode())
		return false, nil
	}
}

func (p *Provider) UploadFile(ctx context.Context, name, data, expectedRev string, overwrite bool) (string, error) {
	r := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBodyString(data)

	createOnly := !overwrite && expectedRev == ""
	if !overwrite {
		if createOnly {
			r.SetHeader("If-None-Match", "*")
		} else {
			r.SetHeader("If-Match", quoteETag(expectedRev))
		}
	}

	resp, err := r.Put(p.url(name))
	if err != nil {
		return "", provider.Wrap("upload", name, err)
	}

	switch code := resp.GetStatusCode(); {
	case code == http.StatusPreconditionFailed && createOnly:
		return "", provider.Wrap("upload", name, provider.ErrAlreadyExists)
	case code == http.StatusPreconditionFailed:
		return "", provider.Wrap("upload", name, provider.ErrRevMismatch)
	case code >= 300:
		return "", provider.Wrap("upload", name, statusError(resp))
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		return rev.CleanRev(etag), nil
	}
	// not every server returns the etag on PUT
	return p.GetFileRev(ctx, name, "")
}

func (p *Provider) DownloadFile(ctx context.Context, name, expectedRev string) (*provider.DownloadResult, error) {
	r := p.client.R().
		SetContext(ctx).
		SetRetryCount(readRetries)
	if expectedRev != "" {
		r.SetHeader("If-Match", quoteETag(expectedRev))
	}

	resp, err := r.Get(p.url(name))
	if err != nil {
		return nil, provider.Wrap("download", name, err)
	}

	switch code := resp.GetStatusCode(); {
	case code == http.StatusNotFound:
		return nil, provider.Wrap("download", name, provider.ErrNoRemoteData)
	case code == http.StatusPreconditionFailed:
		return nil, provider.Wrap("download", name, provider.ErrRevMismatch)
	case code >= 300:
		return nil, provider.Wrap("download", name, statusError(resp))
	}

	return &provider.DownloadResult{
		Data: resp.String(),
		Rev:  rev.CleanRev(resp.Header.Get("ETag")),
	}, nil
}

func (p *Provider) RemoveFile(ctx context.Context, name string) error {
	resp, err := p.client.R().
		SetContext(ctx).
		Delete(p.url(name))
	if err != nil {
		return provider.Wrap("remove", name, err)
	}

	switch code := resp.GetStatusCode(); {
	case code == http.StatusNotFound:
		return provider.Wrap("remove", name, provider.ErrNoRemoteData)
	case code >= 300:
		return provider.Wrap("remove", name, statusError(resp))
	}
	return nil
}

func (p *Provider) GetFileRev(ctx context.Context, name, _ string) (string, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetRetryCount(readRetries).
		Head(p.url(name))
	if err != nil {
		return "", provider.Wrap("rev", name, err)
	}

	switch code := resp.GetStatusCode(); {
	case code == http.StatusNotFound:
		return "", provider.Wrap("rev", name, provider.ErrNoRemoteData)
	case code >= 300:
		return "", provider.Wrap("rev", name, statusError(resp))
	}

	etag := rev.CleanRev(resp.Header.Get("ETag"))
	if etag == "" {
		return "", provider.Wrap("rev", name, errors.New("server sent no etag"))
	}
	return etag, nil
}

func (p *Provider) url(name string) string {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return p.baseURL + "/" + strings.Join(parts, "/")
}

func statusError(resp *req.Response) error {
	return fmt.Errorf("unexpected status %s", resp.Status)
}

func quoteETag(r string) string {
	return `"` + rev.CleanRev(r) + `"`
}
