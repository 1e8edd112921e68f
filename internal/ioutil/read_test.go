package ioutil

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLimited(t *testing.T) {
	t.Run("reads content up to limit", func(t *testing.T) {
		r := strings.NewReader("hello world")
		assert.Equal(t, "hello world", ReadLimited(r, 1024))
	})

	t.Run("truncates at limit", func(t *testing.T) {
		r := strings.NewReader("hello world")
		assert.Equal(t, "hello", ReadLimited(r, 5))
	})

	t.Run("read error returns description", func(t *testing.T) {
		r := &failingReader{err: fmt.Errorf("connection reset")}
		assert.Equal(t, "<unreadable: connection reset>", ReadLimited(r, 1024))
	})
}

func TestDecodeJSONLimited(t *testing.T) {
	type payload struct {
		Provider string `json:"provider"`
	}

	t.Run("decodes within limit", func(t *testing.T) {
		var p payload
		err := DecodeJSONLimited(strings.NewReader(`{"provider":"github"}`), 1024, &p)
		require.NoError(t, err)
		assert.Equal(t, "github", p.Provider)
	})

	t.Run("rejects oversized body", func(t *testing.T) {
		var p payload
		err := DecodeJSONLimited(strings.NewReader(`{"provider":"github"}`), 8, &p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds 8 bytes")
	})

	t.Run("empty body is a no-op", func(t *testing.T) {
		p := payload{Provider: "kept"}
		err := DecodeJSONLimited(strings.NewReader("  \n"), 1024, &p)
		require.NoError(t, err)
		assert.Equal(t, "kept", p.Provider)
	})

	t.Run("invalid json", func(t *testing.T) {
		var p payload
		err := DecodeJSONLimited(strings.NewReader(`{"provider":`), 1024, &p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decoding body")
	})

	t.Run("read error", func(t *testing.T) {
		var p payload
		err := DecodeJSONLimited(&failingReader{err: fmt.Errorf("connection reset")}, 1024, &p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

type failingReader struct {
	err error
}

func (r *failingReader) Read(_ []byte) (int, error) {
	return 0, r.err
}

var _ io.Reader = (*failingReader)(nil)
