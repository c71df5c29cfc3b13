// Package codec wraps model payloads for remote storage: JSON, optional gzip, optional AES-GCM
// encryption and a textual `pf_` prefix that records the flags and the model version.
package codec

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
)

var (
	ErrEncryptionConfigUnavailable = errors.New("codec: encryption config unavailable")
	ErrInvalidVersion              = errors.New("codec: model version must not be negative")
)

// Settings are the transport flags applied to outgoing payloads.
type Settings struct {
	Compress   bool
	Encrypt    bool
	EncryptKey string
}

// SettingsFunc resolves the current settings. It is called for every encode/decode so that key
// changes take effect without rebuilding the codec.
type SettingsFunc func() (*Settings, error)

// StaticSettings returns a SettingsFunc that always yields s.
func StaticSettings(s Settings) SettingsFunc {
	return func() (*Settings, error) {
		return &s, nil
	}
}

type Codec struct {
	settings SettingsFunc
}

func New(settings SettingsFunc) *Codec {
	return &Codec{settings: settings}
}

// Encode marshals v to JSON and wraps it for the wire.
func (c *Codec) Encode(v any, modelVersion float64) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return c.EncodeString(string(raw), modelVersion)
}

// Decode unwraps data and unmarshals the JSON payload into v.
func (c *Codec) Decode(data string, v any) (Prefix, error) {
	p, payload, err := c.DecodeString(data)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// EncodeString wraps an already serialized payload.
func (c *Codec) EncodeString(payload string, modelVersion float64) (string, error) {
	if modelVersion < 0 {
		return "", ErrInvalidVersion
	}

	s, err := c.resolve()
	if err != nil {
		return "", err
	}

	p := Prefix{ModelVersion: modelVersion}
	out := payload

	if s.Compress {
		if out, err = compress([]byte(out)); err != nil {
			return "", fmt.Errorf("compress: %w", err)
		}
		p.Compressed = true
	}

	if s.Encrypt {
		if s.EncryptKey == "" {
			return "", ErrEncryptionConfigUnavailable
		}
		if out, err = encrypt([]byte(out), s.EncryptKey); err != nil {
			return "", fmt.Errorf("encrypt: %w", err)
		}
		p.Encrypted = true
	}

	slog.Debug("codec encode", "compressed", p.Compressed, "encrypted", p.Encrypted,
		"in", humanize.Bytes(uint64(len(payload))), "out", humanize.Bytes(uint64(len(out))))

	return p.String() + out, nil
}

// DecodeString strips the prefix and reverses the transforms it names. Only encrypted payloads
// need settings, so plain and compressed payloads decode even without a key.
func (c *Codec) DecodeString(data string) (Prefix, string, error) {
	p, payload, err := ParsePrefix(data)
	if err != nil {
		return p, "", err
	}

	if p.Encrypted {
		s, err := c.resolve()
		if err != nil {
			return p, "", err
		}
		if s.EncryptKey == "" {
			return p, "", ErrEncryptionConfigUnavailable
		}
		plain, err := decrypt(payload, s.EncryptKey)
		if err != nil {
			return p, "", err
		}
		payload = string(plain)
	}

	if p.Compressed {
		plain, err := decompress(payload)
		if err != nil {
			return p, "", fmt.Errorf("decompress: %w", err)
		}
		payload = string(plain)
	}

	return p, payload, nil
}

func (c *Codec) resolve() (*Settings, error) {
	if c.settings == nil {
		return nil, ErrEncryptionConfigUnavailable
	}
	s, err := c.settings()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionConfigUnavailable, err)
	}
	if s == nil {
		return nil, ErrEncryptionConfigUnavailable
	}
	return s, nil
}
