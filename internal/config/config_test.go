package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SMSRELAY_SIGNING_KEY", "SMSRELAY_SEAL_KEY", "SMSRELAY_DATA_DIR",
		"SMSRELAY_OPENAI_API_KEY", "SMSRELAY_CRM_BASE_URL", "SMSRELAY_API_KEYS",
		"SMSRELAY_INBOUND_AUTH", "SMSRELAY_TURN_TIMEOUT", "SMSRELAY_RATE_LIMIT_PER_LEAD",
		FallbackOpenAIKeyEnv, FallbackCRMURLEnv,
	} {
		t.Setenv(k, "")
	}
	t.Setenv("SMSRELAY_DATA_DIR", t.TempDir())
	viper.Reset()
	SetDefaults()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultProfilesDir, cfg.ProfilesDir)
	assert.Equal(t, DefaultTurnTimeout, cfg.TurnTimeout)
	assert.Equal(t, DefaultCRMTimeout, cfg.CRMTimeout)
	assert.Equal(t, DefaultLedgerTTL, cfg.LedgerTTL)
	assert.Equal(t, DefaultRetentionSchedule, cfg.RetentionSchedule)
	assert.Equal(t, DefaultEvidenceRetention, cfg.EvidenceRetention)
	assert.Equal(t, DefaultRateLimitPerLead, cfg.RateLimitPerLead)
	assert.Zero(t, cfg.RateLimitGlobal)
	assert.False(t, cfg.InboundAuth)
	assert.Empty(t, cfg.APIKeys)
	assert.True(t, cfg.UsingDefaultKeys(), "should report default keys when none are set")
	assert.Len(t, cfg.SigningKey, 64)
	assert.Len(t, cfg.SealKey, 64)
	assert.NotEqual(t, cfg.SigningKey, cfg.SealKey)
}

func TestLoad_ExplicitValues(t *testing.T) {
	resetViper(t)
	t.Setenv("SMSRELAY_SIGNING_KEY", "my-signing-key-at-least-32-chars!")
	t.Setenv("SMSRELAY_SEAL_KEY", "abcdefghijklmnopqrstuvwxyz012345")
	t.Setenv("SMSRELAY_TURN_TIMEOUT", "45s")
	t.Setenv("SMSRELAY_RATE_LIMIT_PER_LEAD", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "my-signing-key-at-least-32-chars!", cfg.SigningKey)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz012345", cfg.SealKey)
	assert.False(t, cfg.UsingDefaultKeys())
	assert.Equal(t, 45*time.Second, cfg.TurnTimeout)
	assert.Equal(t, 5, cfg.RateLimitPerLead)
}

func TestLoad_InvalidKeys(t *testing.T) {
	resetViper(t)
	t.Setenv("SMSRELAY_SIGNING_KEY", "too-short")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key")

	resetViper(t)
	t.Setenv("SMSRELAY_SEAL_KEY", "not-32-bytes")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seal_key")
}

func TestLoad_LegacyFallbacks(t *testing.T) {
	resetViper(t)
	t.Setenv(FallbackOpenAIKeyEnv, "sk-legacy")
	t.Setenv(FallbackCRMURLEnv, "https://crm.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-legacy", cfg.OpenAIAPIKey)
	assert.Equal(t, "https://crm.example.com", cfg.CRMBaseURL)
	assert.Equal(t, []string{FallbackOpenAIKeyEnv, FallbackCRMURLEnv}, cfg.FallbackEnv)

	resetViper(t)
	t.Setenv("SMSRELAY_OPENAI_API_KEY", "sk-primary")
	t.Setenv(FallbackOpenAIKeyEnv, "sk-legacy")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-primary", cfg.OpenAIAPIKey)
	assert.Empty(t, cfg.FallbackEnv)
}

func TestLoad_APIKeysFromEnv(t *testing.T) {
	resetViper(t)
	t.Setenv("SMSRELAY_API_KEYS", "k1:ops, k2:crm-gateway,k3")
	t.Setenv("SMSRELAY_INBOUND_AUTH", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.InboundAuth)
	assert.Equal(t, map[string]string{"k1": "ops", "k2": "crm-gateway", "k3": "caller-3"}, cfg.APIKeys)
}

func TestLoad_InboundAuthNeedsKeys(t *testing.T) {
	resetViper(t)
	t.Setenv("SMSRELAY_INBOUND_AUTH", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inbound_auth")
}

func TestParseAPIKeys_Map(t *testing.T) {
	keys, err := parseAPIKeys(map[string]interface{}{"k1": "ops"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "ops"}, keys)

	_, err = parseAPIKeys(42)
	assert.Error(t, err)
}

func TestRedacted_HidesSecrets(t *testing.T) {
	resetViper(t)
	t.Setenv("SMSRELAY_OPENAI_API_KEY", "sk-secret")
	t.Setenv("SMSRELAY_API_KEYS", "k1:ops")

	cfg, err := Load()
	require.NoError(t, err)
	out := cfg.Redacted()

	assert.Equal(t, "(set)", out[KeyOpenAIAPIKey])
	assert.Equal(t, "(derived default)", out[KeySigningKey])
	assert.Equal(t, "(not set)", out[KeyCRMAPIToken])
	assert.Equal(t, []string{"ops"}, out[KeyAPIKeys])
	for _, v := range out {
		assert.NotEqual(t, "sk-secret", v)
	}
}

func TestConfigPaths(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/smsrelay-test"}
	assert.Equal(t, "/tmp/smsrelay-test/evidence.db", cfg.EvidenceDBPath())
	assert.Equal(t, "/tmp/smsrelay-test/ledger.db", cfg.LedgerDBPath())
}
