package webdav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openmined/pfsync/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// davServer is a tiny WebDAV server that honours conditional PUT and GET.
type davServer struct {
	mu      sync.Mutex
	files   map[string]string
	etags   map[string]string
	seq     int
	hasBase bool
	noEtag  bool
	user    string
	pass    string
}

func newDavServer(t *testing.T) (*davServer, *httptest.Server) {
	d := &davServer{files: map[string]string{}, etags: map[string]string{}, user: "u", pass: "p"}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u, p, ok := r.BasicAuth(); !ok || u != d.user || p != d.pass {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := strings.TrimPrefix(r.URL.Path, "/dav/")
	etag, exists := d.etags[name]

	switch r.Method {
	case "MKCOL":
		if d.hasBase {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		d.hasBase = true
		w.WriteHeader(http.StatusCreated)

	case http.MethodPut:
		if r.Header.Get("If-None-Match") == "*" && exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && (!exists || m != etag) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		d.seq++
		d.files[name] = string(body)
		d.etags[name] = fmt.Sprintf(`"%d-gzip"`, d.seq)
		if !d.noEtag {
			w.Header().Set("ETag", d.etags[name])
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodGet, http.MethodHead:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && strings.TrimSuffix(etag, `-gzip"`) != strings.TrimSuffix(m, `"`) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		w.Header().Set("ETag", etag)
		if r.Method == http.MethodGet {
			io.WriteString(w, d.files[name])
		}

	case http.MethodDelete:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(d.files, name)
		delete(d.etags, name)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := New(Config{BaseURL: srv.URL + "/dav/", Username: "u", Password: "p"})
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)

	p, err := New(Config{BaseURL: "https://dav.example.com/remote.php/webdav/"})
	require.NoError(t, err)
	assert.Equal(t, "https://dav.example.com/remote.php/webdav", p.baseURL)
	assert.Equal(t, "https://dav.example.com/remote.php/webdav/a%20b/c", p.url("a b/c"))
	assert.Equal(t, ProviderID, p.ID())
	assert.Equal(t, defaultMaxConcurrent, p.MaxConcurrentRequests())
}

func TestIsReady(t *testing.T) {
	ctx := context.Background()
	d, srv := newDavServer(t)
	p := newTestProvider(t, srv)

	ok, err := p.IsReady(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, d.hasBase)

	ok, err = p.IsReady(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	bad, err := New(Config{BaseURL: srv.URL + "/dav", Username: "u", Password: "wrong"})
	require.NoError(t, err)
	ok, err = bad.IsReady(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	_, srv := newDavServer(t)
	p := newTestProvider(t, srv)

	r, err := p.UploadFile(ctx, "task", "pf_C1__abc", "", true)
	require.NoError(t, err)
	assert.Equal(t, "1", r)

	res, err := p.DownloadFile(ctx, "task", r)
	require.NoError(t, err)
	assert.Equal(t, "pf_C1__abc", res.Data)
	assert.Equal(t, "1", res.Rev)

	_, err = p.DownloadFile(ctx, "task", "7")
	assert.ErrorIs(t, err, provider.ErrRevMismatch)

	_, err = p.DownloadFile(ctx, "missing", "")
	assert.ErrorIs(t, err, provider.ErrNoRemoteData)
}

func TestConditionalUpload(t *testing.T) {
	ctx := context.Background()
	d, srv := newDavServer(t)
	p := newTestProvider(t, srv)

	_, err := p.UploadFile(ctx, "__lock_", "client-a", "", false)
	require.NoError(t, err)

	_, err = p.UploadFile(ctx, "__lock_", "client-b", "", false)
	assert.ErrorIs(t, err, provider.ErrAlreadyExists)

	d.noEtag = true
	_, err = p.UploadFile(ctx, "__lock_", "client-b", "99", false)
	assert.ErrorIs(t, err, provider.ErrRevMismatch)

	// etag is fetched with HEAD when PUT sends none
	r, err := p.UploadFile(ctx, "task", "x", "", true)
	require.NoError(t, err)
	assert.Equal(t, "2", r)
}

func TestRevAndRemove(t *testing.T) {
	ctx := context.Background()
	_, srv := newDavServer(t)
	p := newTestProvider(t, srv)

	_, err := p.GetFileRev(ctx, "task", "")
	assert.ErrorIs(t, err, provider.ErrNoRemoteData)
	assert.ErrorIs(t, p.RemoveFile(ctx, "task"), provider.ErrNoRemoteData)

	r, err := p.UploadFile(ctx, "task", "x", "", true)
	require.NoError(t, err)
	got, err := p.GetFileRev(ctx, "task", "")
	require.NoError(t, err)
	assert.Equal(t, r, got)

	require.NoError(t, p.RemoveFile(ctx, "task"))
	_, err = p.DownloadFile(ctx, "task", "")
	assert.ErrorIs(t, err, provider.ErrNoRemoteData)
}
