package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/config"
	"github.com/movingally/smsrelay/internal/policy"
)

var (
	validateFile string
	validateDir  string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate deployment profiles",
	Long: `Validates *.smsrelay.yaml profiles against the schema, compiles their
precondition policies and checks every enabled action and safety check.

Without flags every profile under profiles_dir is validated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "validate")
		defer span.End()

		profiles, err := profilesToValidate(ctx)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "✗ Validation failed: %v\n", err)
			return fmt.Errorf("validation failed: %w", err)
		}

		names := make([]string, 0, len(profiles))
		for name := range profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := profiles[name]
			if err := checkProfile(ctx, p); err != nil {
				log.Error().Err(err).Str("file", p.Path).Msg("profile_validation_failed")
				fmt.Fprintf(cmd.ErrOrStderr(), "✗ Profile invalid: %s\n", p.Path)
				return fmt.Errorf("validation failed: %w", err)
			}
			renderProfileSummary(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "single profile file to validate")
	validateCmd.Flags().StringVar(&validateDir, "dir", "", "profiles directory (default: profiles_dir)")
}

func profilesToValidate(ctx context.Context) (map[string]*policy.Profile, error) {
	if validateFile != "" {
		p, err := policy.LoadProfile(ctx, filepath.Base(validateFile), filepath.Dir(validateFile))
		if err != nil {
			return nil, err
		}
		return map[string]*policy.Profile{p.Profile.Name: p}, nil
	}
	dir := validateDir
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		dir = cfg.ProfilesDir
	}
	return policy.LoadDir(ctx, dir)
}

// checkProfile compiles what serve would build, without backends.
func checkProfile(ctx context.Context, p *policy.Profile) error {
	if err := p.Guardrails.Validate(); err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	if _, err := policy.NewEngine(ctx, p); err != nil {
		return fmt.Errorf("precondition engine: %w", err)
	}
	opts, err := p.BuiltinOptions(nil)
	if err != nil {
		return err
	}
	if _, err := action.NewBuiltinRegistry(p.Actions.Enabled, opts); err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	return nil
}

func renderProfileSummary(w io.Writer, p *policy.Profile) {
	fmt.Fprintf(w, "✓ Profile valid: %s\n", p.Path)
	fmt.Fprintf(w, "  Profile: %s v%s\n", p.Profile.Name, p.Profile.Version)
	fmt.Fprintf(w, "  Version: %s\n", p.VersionTag)
	fmt.Fprintf(w, "  Model:   %s\n", p.Conversation.Model)
	fmt.Fprintf(w, "  Checks:  %v\n", p.Guardrails.Enabled())
	fmt.Fprintf(w, "  Actions: %v (links via %s)\n", p.Actions.Enabled, p.Actions.LinkDelivery)
	for _, warn := range p.Warnings {
		fmt.Fprintf(w, "  ! %s\n", warn)
	}
}
