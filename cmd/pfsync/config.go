package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/openmined/pfsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "PFSYNC"

// loadConfig reads the config file, then lets env vars and flags override it. Models only come
// from the file. Secrets are never stored in the file and are expected from env vars or a .env file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	path := configPath(cmd)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	cfg, err := config.LoadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		cfg.Path = path
	} else if err != nil {
		return nil, err
	}

	bindFlag(v, cmd, "data_dir", "datadir")
	bindFlag(v, cmd, "provider", "provider")
	bindFlag(v, cmd, "control_plane.addr", "http-addr")
	bindFlag(v, cmd, "control_plane.token", "http-token")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	overlay(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if envPath := os.Getenv(envPrefix + "_CONFIG"); envPath != "" {
		return envPath
	}
	return config.DefaultConfigPath
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, name string) {
	if f := cmd.Flag(name); f != nil {
		v.BindPFlag(key, f)
	}
}

// overlay copies every key viper knows about onto cfg. Keys only present in the file are already
// in cfg and are rewritten with the same value.
func overlay(v *viper.Viper, cfg *config.Config) {
	setString(v, "data_dir", &cfg.DataDir)
	setString(v, "provider", &cfg.Provider)
	setBool(v, "main_file_mode", &cfg.MainFileMode)
	setBool(v, "compress", &cfg.Compress)
	setBool(v, "encrypt", &cfg.Encrypt)
	setString(v, "encrypt_key", &cfg.EncryptKey)
	setBool(v, "restore_stray_backup", &cfg.RestoreStrayBackup)
	if v.IsSet("sync_interval") {
		cfg.SyncInterval = config.Duration(v.GetDuration("sync_interval"))
	}
	if v.IsSet("cross_model_version") {
		cfg.CrossModelVersion = v.GetFloat64("cross_model_version")
	}

	setString(v, "s3.bucket", &cfg.S3.Bucket)
	setString(v, "s3.region", &cfg.S3.Region)
	setString(v, "s3.endpoint", &cfg.S3.Endpoint)
	setString(v, "s3.prefix", &cfg.S3.Prefix)
	setString(v, "s3.access_key", &cfg.S3.AccessKey)
	setString(v, "s3.secret_key", &cfg.S3.SecretKey)
	setInt(v, "s3.max_concurrent", &cfg.S3.MaxConcurrent)
	setBool(v, "s3.use_accelerate", &cfg.S3.UseAccelerate)

	setString(v, "webdav.base_url", &cfg.WebDAV.BaseURL)
	setString(v, "webdav.username", &cfg.WebDAV.Username)
	setString(v, "webdav.password", &cfg.WebDAV.Password)
	setInt(v, "webdav.max_concurrent", &cfg.WebDAV.MaxConcurrent)

	setString(v, "localfs.dir", &cfg.LocalFS.Dir)
	setInt(v, "localfs.max_concurrent", &cfg.LocalFS.MaxConcurrent)

	setString(v, "control_plane.addr", &cfg.ControlPlane.Addr)
	setString(v, "control_plane.token", &cfg.ControlPlane.Token)
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}
