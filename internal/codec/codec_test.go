package codec

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "correct horse battery staple"

func TestEncodeDecodeStringRoundTrip(t *testing.T) {
	payloads := []string{
		"",
		"plain",
		"__testdata",
		"C__testdata",
		"{}",
		"pf_CE2__pf_CE2__",
		`{"a":"__","b":"pf_1__","c":{}}`,
		strings.Repeat("pf_C1__{}__", 200),
	}

	for _, compressed := range []bool{false, true} {
		for _, encrypted := range []bool{false, true} {
			c := New(StaticSettings(Settings{Compress: compressed, Encrypt: encrypted, EncryptKey: testKey}))
			for _, payload := range payloads {
				name := fmt.Sprintf("c=%v/e=%v/%.12s", compressed, encrypted, payload)
				t.Run(name, func(t *testing.T) {
					enc, err := c.EncodeString(payload, 2)
					require.NoError(t, err)

					p, dec, err := c.DecodeString(enc)
					require.NoError(t, err)
					assert.Equal(t, payload, dec)
					assert.Equal(t, Prefix{Compressed: compressed, Encrypted: encrypted, ModelVersion: 2}, p)
				})
			}
		}
	}
}

func TestEncodeDecodeJSON(t *testing.T) {
	type task struct {
		ID    string   `json:"id"`
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	in := map[string]task{
		"t1": {ID: "t1", Title: "pf_1__ inside", Tags: []string{"__", "{}"}},
	}

	c := New(StaticSettings(Settings{Compress: true, Encrypt: true, EncryptKey: testKey}))
	enc, err := c.Encode(in, 1.5)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, "pf_CE1.5__"))

	var out map[string]task
	p, err := c.Decode(enc, &out)
	require.NoError(t, err)
	assert.Equal(t, 1.5, p.ModelVersion)
	assert.Equal(t, in, out)
}

func TestPlainEncodingIsReadable(t *testing.T) {
	c := New(StaticSettings(Settings{}))
	enc, err := c.Encode(map[string]int{"a": 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, `pf_1__{"a":1}`, enc)
}

func TestEncryptionConfigUnavailable(t *testing.T) {
	t.Run("no settings", func(t *testing.T) {
		c := New(nil)
		_, err := c.EncodeString("x", 1)
		assert.ErrorIs(t, err, ErrEncryptionConfigUnavailable)
	})

	t.Run("settings error", func(t *testing.T) {
		c := New(func() (*Settings, error) { return nil, errors.New("keychain locked") })
		_, err := c.EncodeString("x", 1)
		assert.ErrorIs(t, err, ErrEncryptionConfigUnavailable)
	})

	t.Run("encrypt without key", func(t *testing.T) {
		c := New(StaticSettings(Settings{Encrypt: true}))
		_, err := c.EncodeString("x", 1)
		assert.ErrorIs(t, err, ErrEncryptionConfigUnavailable)
	})

	t.Run("decode encrypted without key", func(t *testing.T) {
		enc, err := New(StaticSettings(Settings{Encrypt: true, EncryptKey: testKey})).EncodeString("x", 1)
		require.NoError(t, err)

		_, _, err = New(StaticSettings(Settings{})).DecodeString(enc)
		assert.ErrorIs(t, err, ErrEncryptionConfigUnavailable)
	})

	t.Run("plain decode needs no settings", func(t *testing.T) {
		_, payload, err := New(nil).DecodeString("pf_1__hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", payload)
	})
}

func TestDecryptWrongKey(t *testing.T) {
	enc, err := New(StaticSettings(Settings{Encrypt: true, EncryptKey: testKey})).EncodeString("secret", 1)
	require.NoError(t, err)

	_, _, err = New(StaticSettings(Settings{EncryptKey: "wrong"})).DecodeString(enc)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	c := New(StaticSettings(Settings{Encrypt: true, EncryptKey: testKey}))
	a, err := c.EncodeString("same", 1)
	require.NoError(t, err)
	b, err := c.EncodeString("same", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecodeRejectsMissingPrefix(t *testing.T) {
	_, _, err := New(StaticSettings(Settings{})).DecodeString(`{"a":1}`)
	assert.ErrorIs(t, err, ErrInvalidPrefix)
}

func TestEncodeRejectsNegativeVersion(t *testing.T) {
	_, err := New(StaticSettings(Settings{})).EncodeString("x", -1)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}
