package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movingally/smsrelay/internal/config"
)

func TestConfigShowCmd_MasksSecrets(t *testing.T) {
	testEnv(t)
	t.Setenv("SMSRELAY_OPENAI_API_KEY", "sk-very-secret")
	t.Setenv("SMSRELAY_CRM_BASE_URL", "https://crm.example.com")

	out, err := execute(t, "config", "show")
	require.NoError(t, err)

	assert.Contains(t, out, "Data directory:")
	assert.Contains(t, out, "(exists)")
	assert.Contains(t, out, "Evidence DB:")
	assert.Contains(t, out, "Ledger DB:")
	assert.Contains(t, out, "https://crm.example.com")
	assert.Contains(t, out, "openai_api_key")
	assert.NotContains(t, out, "sk-very-secret")
}

func TestRenderConfig_FallbackWarning(t *testing.T) {
	cfg := &config.Config{DataDir: filepath.Join(t.TempDir(), "missing"), FallbackEnv: []string{config.FallbackCRMURLEnv}}
	var buf bytes.Buffer
	renderConfig(&buf, cfg, "")
	assert.Contains(t, buf.String(), "(missing)")
	assert.Contains(t, buf.String(), "env and defaults only")
	assert.Contains(t, buf.String(), "CW_API_URL is set")
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, dirExists(dir))
	assert.False(t, dirExists(filepath.Join(dir, "nonexistent")))
	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
	assert.False(t, dirExists(f))
}
