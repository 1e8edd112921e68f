package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/labauth/internal/config"
)

func TestGenerateDefaultConfig_Validates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labauth.json")
	require.NoError(t, generateDefaultConfig(path))

	result, err := config.ValidateFile(path)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)

	var out bytes.Buffer
	require.NoError(t, validateConfig(&out, path))
	assert.Contains(t, out.String(), "Result: PASS")
}

func TestValidateConfig_ReportsIssues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labauth.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"version": "v1",
		"server": {"addr": ":8080"},
		"api": {"baseURL": "https://api.lab.example.com"},
		"session": {"cookieKey": "plaintext-secret"},
		"providers": []
	}`), 0o600))

	var out bytes.Buffer
	err := validateConfig(&out, path)
	require.Error(t, err)
	assert.Contains(t, out.String(), "server.baseURL")
	assert.Contains(t, out.String(), "session.cookieKey")
	assert.Contains(t, out.String(), "Result: FAIL")
}

func TestGenerateDefaultConfig_Loads(t *testing.T) {
	t.Setenv("LAB_API_URL", "https://api.lab.example.com")
	t.Setenv("SESSION_COOKIE_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("ORCID_CLIENT_ID", "APP-1")

	path := filepath.Join(t.TempDir(), "labauth.json")
	require.NoError(t, generateDefaultConfig(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Providers, 4)
	assert.Equal(t, config.StorageMemory, cfg.Flow.Storage)
}
