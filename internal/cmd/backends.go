package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/classifier"
	"github.com/movingally/smsrelay/internal/config"
	"github.com/movingally/smsrelay/internal/crm"
	"github.com/movingally/smsrelay/internal/delivery"
	"github.com/movingally/smsrelay/internal/evidence"
	"github.com/movingally/smsrelay/internal/ledger"
	"github.com/movingally/smsrelay/internal/llm"
	"github.com/movingally/smsrelay/internal/orchestrator"
	"github.com/movingally/smsrelay/internal/policy"
)

// backends is everything a turn needs besides its profile. Close releases
// the databases.
type backends struct {
	cfg      *config.Config
	evidence *evidence.Store
	ledger   *ledger.SQLite
	deps     orchestrator.Deps
}

func (b *backends) Close() {
	if b.ledger != nil {
		_ = b.ledger.Close()
	}
	if b.evidence != nil {
		_ = b.evidence.Close()
	}
}

// openBackends resolves config and opens the stores and clients shared by
// every profile.
func openBackends(cfg *config.Config) (*backends, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("no LLM API key: set SMSRELAY_OPENAI_API_KEY")
	}
	if cfg.CRMBaseURL == "" {
		return nil, errors.New("no CRM endpoint: set SMSRELAY_CRM_BASE_URL")
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()
	cfg.WarnFallbackEnv()

	b := &backends{cfg: cfg}
	store, sealer, err := openEvidence(cfg)
	if err != nil {
		return nil, err
	}
	b.evidence = store

	b.ledger, err = ledger.NewSQLite(cfg.LedgerDBPath(), ledger.WithTTL(cfg.LedgerTTL))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}

	var provider *llm.OpenAIProvider
	if cfg.OpenAIBaseURL != "" {
		provider = llm.NewOpenAIProviderWithBaseURL(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	} else {
		provider = llm.NewOpenAIProvider(cfg.OpenAIAPIKey)
	}

	client := crm.NewClient(cfg.CRMBaseURL, crm.WithToken(cfg.CRMAPIToken), crm.WithTimeout(cfg.CRMTimeout))

	b.deps = orchestrator.Deps{
		Provider:  provider,
		Moderator: provider,
		CRM:       client,
		Ledger:    b.ledger,
		Evidence: evidence.NewGenerator(store,
			evidence.WithSealing(sealer),
			evidence.WithScanner(classifier.MustNewScanner()),
		),
		Failures: action.NewFailureTracker(0, 0),
		Breaker:  orchestrator.NewBreaker(0, 0),
		Sender:   delivery.NewCRMSender(client, ""),
	}
	return b, nil
}

func openEvidence(cfg *config.Config) (*evidence.Store, *evidence.Sealer, error) {
	sealer, err := evidence.NewSealer(cfg.SealKey)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing sealer: %w", err)
	}
	store, err := evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey, evidence.WithSealer(sealer))
	if err != nil {
		return nil, nil, fmt.Errorf("initializing evidence store: %w", err)
	}
	return store, sealer, nil
}

// loadProfiles loads every profile under cfg.ProfilesDir and builds one
// orchestrator per profile.
func loadProfiles(ctx context.Context, b *backends) (*orchestrator.Set, error) {
	profiles, err := policy.LoadDir(ctx, b.cfg.ProfilesDir)
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}
	set, err := orchestrator.BuildSet(ctx, profiles, b.cfg.DefaultProfile, b.deps)
	if err != nil {
		return nil, err
	}
	log.Info().
		Strs("profiles", set.Names()).
		Str("default", set.Default()).
		Msg("profiles_loaded")
	return set, nil
}
