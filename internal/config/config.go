// Package config holds OPERATOR-LEVEL configuration for an smsrelay
// deployment.
//
// This is infrastructure config set by whoever runs the relay: data
// directory, evidence keys, backend endpoints and credentials, timeouts,
// limits. Set via env vars (SMSRELAY_*) or a config file
// (smsrelay.config.yaml).
//
// Per-company behaviour (checks, actions, replies, model) lives in the
// deployment profiles under profiles_dir, not here.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/movingally/smsrelay/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the SMSRELAY_ prefix
// (e.g. "crm_base_url" → SMSRELAY_CRM_BASE_URL) and to a YAML field in
// smsrelay.config.yaml.
const (
	KeyDataDir           = "data_dir"
	KeySigningKey        = "signing_key"
	KeySealKey           = "seal_key"
	KeyProfilesDir       = "profiles_dir"
	KeyDefaultProfile    = "default_profile"
	KeyOpenAIAPIKey      = "openai_api_key"
	KeyOpenAIBaseURL     = "openai_base_url"
	KeyCRMBaseURL        = "crm_base_url"
	KeyCRMAPIToken       = "crm_api_token"
	KeyCRMTimeout        = "crm_timeout"
	KeyTurnTimeout       = "turn_timeout"
	KeyLedgerTTL         = "ledger_ttl"
	KeyRetentionSchedule = "retention_schedule"
	KeyEvidenceRetention = "evidence_retention"
	KeyInboundAuth       = "inbound_auth"
	KeyAPIKeys           = "api_keys"
	KeyRateLimitGlobal   = "rate_limit_global"
	KeyRateLimitPerLead  = "rate_limit_per_lead"
)

// Legacy variable names read when the SMSRELAY_ ones are unset.
const (
	FallbackOpenAIKeyEnv = "OPENAI_API_KEY"
	FallbackCRMURLEnv    = "CW_API_URL"
)

const (
	DefaultProfilesDir       = "policies"
	DefaultCRMTimeout        = 15 * time.Second
	DefaultTurnTimeout       = 90 * time.Second
	DefaultLedgerTTL         = 24 * time.Hour
	DefaultRetentionSchedule = "15 3 * * *"
	DefaultEvidenceRetention = 90 * 24 * time.Hour
	DefaultRateLimitPerLead  = 20
)

// Config holds resolved operator-level configuration.
type Config struct {
	DataDir           string
	SigningKey        string // HMAC-SHA256 key for turn records (≥32 bytes)
	SealKey           string // secretbox key for sealed customer text (exactly 32 bytes)
	ProfilesDir       string
	DefaultProfile    string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	CRMBaseURL        string
	CRMAPIToken       string
	CRMTimeout        time.Duration
	TurnTimeout       time.Duration
	LedgerTTL         time.Duration
	RetentionSchedule string
	EvidenceRetention time.Duration
	InboundAuth       bool
	APIKeys           map[string]string // key -> caller name
	RateLimitGlobal   int               // messages per minute, 0 = off
	RateLimitPerLead  int

	usingDefaultSigningKey bool
	usingDefaultSealKey    bool
	// FallbackEnv lists legacy variables that supplied a value.
	FallbackEnv []string
}

// UsingDefaultKeys returns true if either key fell back to a derived default.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSigningKey || c.usingDefaultSealKey
}

// EvidenceDBPath returns the full path to the turn record database.
func (c *Config) EvidenceDBPath() string {
	return filepath.Join(c.DataDir, "evidence.db")
}

// LedgerDBPath returns the full path to the re-delivery ledger database.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when keys are not explicitly set.
// Suppressed when SMSRELAY_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default SMSRELAY_SIGNING_KEY; set it via env var or config file for production")
	}
	if c.usingDefaultSealKey {
		log.Warn().Msg("Using generated default SMSRELAY_SEAL_KEY; set it via env var or config file for production")
	}
}

// WarnFallbackEnv logs each legacy variable that was used.
func (c *Config) WarnFallbackEnv() {
	for _, name := range c.FallbackEnv {
		log.Warn().Str("env", name).Msg("using legacy environment variable; prefer the SMSRELAY_ equivalent")
	}
}

func isQuickstart() bool {
	v := os.Getenv("SMSRELAY_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	SetDefaults()
}

// SetDefaults registers the env prefix and default values on the global
// viper instance.
func SetDefaults() {
	viper.SetEnvPrefix("SMSRELAY")
	viper.AutomaticEnv()
	viper.SetDefault(KeyProfilesDir, DefaultProfilesDir)
	viper.SetDefault(KeyCRMTimeout, DefaultCRMTimeout)
	viper.SetDefault(KeyTurnTimeout, DefaultTurnTimeout)
	viper.SetDefault(KeyLedgerTTL, DefaultLedgerTTL)
	viper.SetDefault(KeyRetentionSchedule, DefaultRetentionSchedule)
	viper.SetDefault(KeyEvidenceRetention, DefaultEvidenceRetention)
	viper.SetDefault(KeyRateLimitPerLead, DefaultRateLimitPerLead)
}

// Load reads configuration from Viper (env vars, config file, defaults)
// and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:           resolveDataDir(),
		SigningKey:        viper.GetString(KeySigningKey),
		SealKey:           viper.GetString(KeySealKey),
		ProfilesDir:       viper.GetString(KeyProfilesDir),
		DefaultProfile:    viper.GetString(KeyDefaultProfile),
		OpenAIAPIKey:      viper.GetString(KeyOpenAIAPIKey),
		OpenAIBaseURL:     viper.GetString(KeyOpenAIBaseURL),
		CRMBaseURL:        viper.GetString(KeyCRMBaseURL),
		CRMAPIToken:       viper.GetString(KeyCRMAPIToken),
		CRMTimeout:        viper.GetDuration(KeyCRMTimeout),
		TurnTimeout:       viper.GetDuration(KeyTurnTimeout),
		LedgerTTL:         viper.GetDuration(KeyLedgerTTL),
		RetentionSchedule: viper.GetString(KeyRetentionSchedule),
		EvidenceRetention: viper.GetDuration(KeyEvidenceRetention),
		InboundAuth:       viper.GetBool(KeyInboundAuth),
		RateLimitGlobal:   viper.GetInt(KeyRateLimitGlobal),
		RateLimitPerLead:  viper.GetInt(KeyRateLimitPerLead),
	}

	if cfg.OpenAIAPIKey == "" {
		if v := os.Getenv(FallbackOpenAIKeyEnv); v != "" {
			cfg.OpenAIAPIKey = v
			cfg.FallbackEnv = append(cfg.FallbackEnv, FallbackOpenAIKeyEnv)
		}
	}
	if cfg.CRMBaseURL == "" {
		if v := os.Getenv(FallbackCRMURLEnv); v != "" {
			cfg.CRMBaseURL = v
			cfg.FallbackEnv = append(cfg.FallbackEnv, FallbackCRMURLEnv)
		}
	}

	keys, err := parseAPIKeys(viper.Get(KeyAPIKeys))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.APIKeys = keys

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "evidence-signing")
		cfg.usingDefaultSigningKey = true
	}
	if cfg.SealKey == "" {
		cfg.SealKey = deriveDefaultKey(cfg.DataDir, "evidence-sealing")
		cfg.usingDefaultSealKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".smsrelay"
	}
	return filepath.Join(home, ".smsrelay")
}

// deriveDefaultKey produces a deterministic 32-byte hex key from the data
// directory path and a salt. It is NOT a secret; it only lets a local
// quickstart run without configuring keys.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("smsrelay:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

// parseAPIKeys accepts a YAML map (key: caller) or a comma-separated env
// string of "key:caller" pairs. A bare key gets a generated caller name.
func parseAPIKeys(raw interface{}) (map[string]string, error) {
	out := make(map[string]string)
	switch v := raw.(type) {
	case nil:
	case map[string]interface{}:
		for k, name := range v {
			out[k] = fmt.Sprint(name)
		}
	case map[string]string:
		for k, name := range v {
			out[k] = name
		}
	case string:
		for i, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key, name, ok := strings.Cut(part, ":")
			if !ok || name == "" {
				name = fmt.Sprintf("caller-%d", i+1)
			}
			out[strings.TrimSpace(key)] = strings.TrimSpace(name)
		}
	default:
		return nil, fmt.Errorf("api_keys: unsupported value of type %T", raw)
	}
	for k := range out {
		if k == "" {
			return nil, fmt.Errorf("api_keys: empty key")
		}
	}
	return out, nil
}

func (c *Config) validate() error {
	if _, err := cryptoutil.DecodeKey(c.SigningKey, 32); err != nil {
		return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters; set SMSRELAY_SIGNING_KEY: %w", err)
	}
	if _, err := cryptoutil.SealKey(c.SealKey); err != nil {
		return fmt.Errorf("seal_key must be exactly 32 bytes or 64 hex characters; set SMSRELAY_SEAL_KEY: %w", err)
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("turn_timeout must be positive")
	}
	if c.CRMTimeout <= 0 {
		return fmt.Errorf("crm_timeout must be positive")
	}
	if c.RateLimitGlobal < 0 || c.RateLimitPerLead < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.InboundAuth && len(c.APIKeys) == 0 {
		return fmt.Errorf("inbound_auth requires at least one api_keys entry")
	}
	return nil
}

// Redacted returns c with credentials masked, for display.
func (c *Config) Redacted() map[string]interface{} {
	callers := make([]string, 0, len(c.APIKeys))
	for _, name := range c.APIKeys {
		callers = append(callers, name)
	}
	sort.Strings(callers)
	return map[string]interface{}{
		KeyDataDir:           c.DataDir,
		KeySigningKey:        mask(c.SigningKey, c.usingDefaultSigningKey),
		KeySealKey:           mask(c.SealKey, c.usingDefaultSealKey),
		KeyProfilesDir:       c.ProfilesDir,
		KeyDefaultProfile:    c.DefaultProfile,
		KeyOpenAIAPIKey:      mask(c.OpenAIAPIKey, false),
		KeyOpenAIBaseURL:     c.OpenAIBaseURL,
		KeyCRMBaseURL:        c.CRMBaseURL,
		KeyCRMAPIToken:       mask(c.CRMAPIToken, false),
		KeyCRMTimeout:        c.CRMTimeout.String(),
		KeyTurnTimeout:       c.TurnTimeout.String(),
		KeyLedgerTTL:         c.LedgerTTL.String(),
		KeyRetentionSchedule: c.RetentionSchedule,
		KeyEvidenceRetention: c.EvidenceRetention.String(),
		KeyInboundAuth:       c.InboundAuth,
		KeyAPIKeys:           callers,
		KeyRateLimitGlobal:   c.RateLimitGlobal,
		KeyRateLimitPerLead:  c.RateLimitPerLead,
	}
}

func mask(v string, derived bool) string {
	switch {
	case v == "":
		return "(not set)"
	case derived:
		return "(derived default)"
	default:
		return "(set)"
	}
}
