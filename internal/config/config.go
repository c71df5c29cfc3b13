// Package config loads, validates and saves the pfsync config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/store"
	"github.com/openmined/pfsync/internal/utils"
)

const (
	ProviderNone    = ""
	ProviderMemory  = "memory"
	ProviderLocalFS = "localfs"
	ProviderS3      = "s3"
	ProviderWebDAV  = "webdav"
)

var (
	home, _            = os.UserHomeDir()
	DefaultDataDir     = filepath.Join(home, ".pfsync")
	DefaultConfigPath  = filepath.Join(DefaultDataDir, "config.json")
	DefaultSyncPeriod  = 5 * time.Minute
	MinSyncPeriod      = 10 * time.Second
	DefaultControlAddr = "localhost:7939"
)

var ErrInvalidConfig = errors.New("config: invalid")

// DefaultModels is used when the config file lists none.
var DefaultModels = []model.Config{
	{ID: "globalConfig", Version: 1, IsMainFileModel: true},
	{ID: "task", Version: 1},
	{ID: "project", Version: 1},
	{ID: "tag", Version: 1},
	{ID: "note", Version: 1},
	{ID: "reminders", Version: 1},
	{ID: "archive", Version: 1},
	{ID: "localUiState", Version: 1, IsLocalOnly: true},
}

// Duration is a time.Duration written as "5m0s" in the config file.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type S3Config struct {
	Bucket        string `json:"bucket"`
	Region        string `json:"region"`
	Endpoint      string `json:"endpoint,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	AccessKey     string `json:"access_key,omitempty"`
	SecretKey     string `json:"-"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	UseAccelerate bool   `json:"use_accelerate,omitempty"`
}

type WebDAVConfig struct {
	BaseURL       string `json:"base_url"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"-"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

type LocalFSConfig struct {
	Dir           string `json:"dir"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

type ControlPlaneConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"-"`
}

type Config struct {
	DataDir            string             `json:"data_dir"`
	Provider           string             `json:"provider"`
	MainFileMode       bool               `json:"main_file_mode"`
	Compress           bool               `json:"compress"`
	Encrypt            bool               `json:"encrypt"`
	EncryptKey         string             `json:"-"`
	SyncInterval       Duration           `json:"sync_interval"`
	RestoreStrayBackup bool               `json:"restore_stray_backup"`
	CrossModelVersion  float64            `json:"cross_model_version,omitempty"`
	S3                 S3Config           `json:"s3"`
	WebDAV             WebDAVConfig       `json:"webdav"`
	LocalFS            LocalFSConfig      `json:"localfs"`
	ControlPlane       ControlPlaneConfig `json:"control_plane"`
	Models             []model.Config     `json:"models"`
	Path               string             `json:"-"`
}

// Default returns a config with every default filled in and no provider.
func Default() *Config {
	return &Config{
		DataDir:      DefaultDataDir,
		SyncInterval: Duration(DefaultSyncPeriod),
		ControlPlane: ControlPlaneConfig{Addr: DefaultControlAddr},
		Models:       append([]model.Config(nil), DefaultModels...),
		Path:         DefaultConfigPath,
	}
}

// Validate normalises paths and fills defaults, then checks the provider settings and the model list.
func (c *Config) Validate() error {
	var err error

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("%w: data dir: %w", ErrInvalidConfig, err)
	}
	if c.Path == "" {
		c.Path = filepath.Join(c.DataDir, "config.json")
	}
	if c.Path, err = utils.ResolvePath(c.Path); err != nil {
		return fmt.Errorf("%w: config path: %w", ErrInvalidConfig, err)
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = Duration(DefaultSyncPeriod)
	}
	if time.Duration(c.SyncInterval) < MinSyncPeriod {
		return fmt.Errorf("%w: sync interval %s is below %s", ErrInvalidConfig, time.Duration(c.SyncInterval), MinSyncPeriod)
	}
	if c.ControlPlane.Addr == "" {
		c.ControlPlane.Addr = DefaultControlAddr
	}
	if c.CrossModelVersion < 0 {
		return fmt.Errorf("%w: negative cross model version", ErrInvalidConfig)
	}

	if c.Encrypt && c.EncryptKey == "" {
		return fmt.Errorf("%w: encryption enabled without a key", ErrInvalidConfig)
	}

	if err := c.validateProvider(); err != nil {
		return err
	}

	if len(c.Models) == 0 {
		c.Models = append([]model.Config(nil), DefaultModels...)
	}
	return validateModels(c.Models)
}

func (c *Config) validateProvider() error {
	switch c.Provider {
	case ProviderNone, ProviderMemory:
	case ProviderLocalFS:
		if c.LocalFS.Dir == "" {
			return fmt.Errorf("%w: localfs.dir is required", ErrInvalidConfig)
		}
		dir, err := utils.ResolvePath(c.LocalFS.Dir)
		if err != nil {
			return fmt.Errorf("%w: localfs.dir: %w", ErrInvalidConfig, err)
		}
		c.LocalFS.Dir = dir
	case ProviderS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%w: s3.bucket is required", ErrInvalidConfig)
		}
		if c.S3.Region == "" && c.S3.Endpoint == "" {
			return fmt.Errorf("%w: s3.region or s3.endpoint is required", ErrInvalidConfig)
		}
		if c.S3.Endpoint != "" && !isHTTPURL(c.S3.Endpoint) {
			return fmt.Errorf("%w: invalid s3.endpoint %q", ErrInvalidConfig, c.S3.Endpoint)
		}
	case ProviderWebDAV:
		if !isHTTPURL(c.WebDAV.BaseURL) {
			return fmt.Errorf("%w: invalid webdav.base_url %q", ErrInvalidConfig, c.WebDAV.BaseURL)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	return nil
}

func validateModels(models []model.Config) error {
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, m := range models {
		switch {
		case m.ID == "":
			return fmt.Errorf("%w: model with empty id", ErrInvalidConfig)
		case store.IsReserved(m.ID):
			return fmt.Errorf("%w: model id %q is reserved", ErrInvalidConfig, m.ID)
		case !seen.Add(m.ID):
			return fmt.Errorf("%w: duplicate model id %q", ErrInvalidConfig, m.ID)
		}
	}
	return nil
}

// Save writes the config to c.Path. Secrets are not written.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(c.Path, data, 0o600)
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.Models = nil
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	cfg.Path = path
	return cfg, nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
