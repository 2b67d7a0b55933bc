package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/movingally/smsrelay/internal/config"
	"github.com/movingally/smsrelay/internal/lead"
	"github.com/movingally/smsrelay/internal/orchestrator"
)

var (
	turnProfile   string
	turnLeadFile  string
	turnMessage   string
	turnMessageID string
	turnDryRun    bool
	turnJSON      bool
)

var turnCmd = &cobra.Command{
	Use:   "turn",
	Short: "Run one customer message through a profile",
	Long: `Runs a single turn against the configured CRM and LLM backends.

The lead snapshot is a JSON file in the turn context format (lead_numbers_id,
lead_status, customer, payment, notes). With --dry-run no CRM write is made
and no reply is sent; the turn is still recorded.`,
	Example: `  smsrelay turn --lead lead.json --message "Can I move on the 14th instead?" --dry-run`,
	RunE:    runTurn,
}

func init() {
	turnCmd.Flags().StringVar(&turnProfile, "profile", "", "profile name (default: default_profile)")
	turnCmd.Flags().StringVar(&turnLeadFile, "lead", "", "lead snapshot JSON file (- for stdin)")
	turnCmd.Flags().StringVarP(&turnMessage, "message", "m", "", "customer message text")
	turnCmd.Flags().StringVar(&turnMessageID, "message-id", "", "gateway message id for re-delivery protection")
	turnCmd.Flags().BoolVar(&turnDryRun, "dry-run", false, "simulate CRM writes and skip the reply")
	turnCmd.Flags().BoolVar(&turnJSON, "json", false, "print the full turn result as JSON")
	_ = turnCmd.MarkFlagRequired("lead")
	_ = turnCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(turnCmd)
}

func runTurn(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "turn")
	defer span.End()

	tc, err := readLead(turnLeadFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	set, err := loadProfiles(ctx, b)
	if err != nil {
		return err
	}
	orch, err := set.Get(turnProfile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.TurnTimeout)
	defer cancel()

	invocation := orchestrator.InvocationCLI
	if turnDryRun {
		invocation = orchestrator.InvocationDryRun
	}
	res := orch.RunTurn(ctx, &orchestrator.Request{
		Lead:           tc,
		Text:           turnMessage,
		MessageID:      turnMessageID,
		InvocationType: invocation,
		DryRun:         turnDryRun,
	})

	out := cmd.OutOrStdout()
	if turnJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		renderTurnResult(out, res)
	}
	if res.Err != nil {
		return fmt.Errorf("turn %s failed: %w", res.TurnID, res.Err)
	}
	return nil
}

func readLead(path string, stdin io.Reader) (*lead.TurnContext, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading lead snapshot: %w", err)
	}
	var tc lead.TurnContext
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, fmt.Errorf("parsing lead snapshot: %w", err)
	}
	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("lead snapshot: %w", err)
	}
	return &tc, nil
}

// renderTurnResult writes a human summary of res to w.
func renderTurnResult(w io.Writer, res *orchestrator.Result) {
	mark := "✓"
	switch res.Outcome {
	case orchestrator.OutcomeBlocked, orchestrator.OutcomeDegraded:
		mark = "!"
	case orchestrator.OutcomeError:
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Turn %s (%s, profile %s)\n", mark, res.TurnID, res.Outcome, res.Profile)
	if res.Blocked {
		fmt.Fprintf(w, "  Blocked: %s\n", res.Reason)
	}
	fmt.Fprintf(w, "  Reply:   %s\n", res.Reply)
	for _, a := range res.Actions {
		status := string(a.Status)
		if a.Error != nil {
			status += ": " + a.Error.Code
		}
		extra := ""
		if a.Replayed {
			extra = " (replayed)"
		}
		if a.DryRun {
			extra += " (dry run)"
		}
		fmt.Fprintf(w, "  Action:  %s %s%s\n", a.Action, status, extra)
	}
	if len(res.Halted) > 0 {
		fmt.Fprintf(w, "  Halted:  %s\n", strings.Join(res.Halted, ", "))
	}
	if res.Delivery != nil {
		fmt.Fprintf(w, "  SMS:     %s\n", res.Delivery.Status)
	}
	if res.Model != "" {
		fmt.Fprintf(w, "  Model:   %s (%d in / %d out tokens)\n", res.Model, res.InputTokens, res.OutputTokens)
	}
	fmt.Fprintf(w, "  Time:    %s\n", formatDurationMS(res.DurationMS))
	if res.EvidenceID != "" {
		fmt.Fprintf(w, "  Record:  %s\n", res.EvidenceID)
	}
}
