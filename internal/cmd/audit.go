package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/movingally/smsrelay/internal/config"
	"github.com/movingally/smsrelay/internal/evidence"
)

var (
	auditProfile string
	auditLead    string
	auditOutcome string
	auditLimit   int
	exportLimit  int
	auditUnseal  bool
	auditFormat  string
	auditSince   time.Duration
	auditOut     string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify and export turn records",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List turn records, newest first",
	RunE:  auditList,
}

var auditShowCmd = &cobra.Command{
	Use:   "show [turn-id]",
	Short: "Show one turn record",
	Args:  cobra.ExactArgs(1),
	RunE:  auditShow,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [turn-id]",
	Short: "Verify HMAC signature of a turn record",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export turn records as CSV or JSON",
	RunE:  auditExport,
}

func init() {
	for _, c := range []*cobra.Command{auditListCmd, auditExportCmd} {
		c.Flags().StringVar(&auditProfile, "profile", "", "Filter by profile")
		c.Flags().StringVar(&auditLead, "lead", "", "Filter by lead_numbers_id")
		c.Flags().StringVar(&auditOutcome, "outcome", "", "Filter by outcome (replied, blocked, degraded, error)")
		c.Flags().DurationVar(&auditSince, "since", 0, "Only records newer than this (e.g. 24h)")
	}
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum records to show")
	auditExportCmd.Flags().IntVar(&exportLimit, "limit", 10000, "Maximum records to export")
	auditExportCmd.Flags().StringVar(&auditFormat, "format", "csv", "Output format (csv, json)")
	auditExportCmd.Flags().StringVarP(&auditOut, "out", "o", "", "Write to this file instead of stdout")
	auditShowCmd.Flags().BoolVar(&auditUnseal, "unseal", false, "Decrypt and print the sealed customer message")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}

func openEvidenceStore() (*evidence.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, _, err := openEvidence(cfg)
	return store, err
}

func auditFilter(limit int) evidence.Filter {
	f := evidence.Filter{
		Profile:       auditProfile,
		LeadNumbersID: auditLead,
		Outcome:       auditOutcome,
		Limit:         limit,
	}
	if auditSince > 0 {
		f.From = time.Now().Add(-auditSince)
	}
	return f
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openEvidenceStore()
	if err != nil {
		return fmt.Errorf("initializing evidence store: %w", err)
	}
	defer store.Close()

	index, err := store.ListIndex(ctx, auditFilter(auditLimit))
	if err != nil {
		return fmt.Errorf("querying turn records: %w", err)
	}
	if len(index) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No turn records found.")
		return nil
	}
	renderAuditList(cmd.OutOrStdout(), index)
	return nil
}

func auditShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openEvidenceStore()
	if err != nil {
		return fmt.Errorf("initializing evidence store: %w", err)
	}
	defer store.Close()

	rec, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return err
	}
	if auditUnseal {
		text, err := store.Open(ctx, args[0])
		if err != nil {
			return fmt.Errorf("unsealing customer message: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nCustomer message:\n%s\n", text)
	}
	return nil
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	id := args[0]
	store, err := openEvidenceStore()
	if err != nil {
		return fmt.Errorf("initializing evidence store: %w", err)
	}
	defer store.Close()

	valid, err := store.Verify(ctx, id)
	if err != nil {
		return fmt.Errorf("verifying turn record: %w", err)
	}
	renderVerifyResult(cmd.OutOrStdout(), id, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", id)
	}
	return nil
}

func auditExport(cmd *cobra.Command, args []string) error {
	if auditFormat != "csv" && auditFormat != "json" {
		return fmt.Errorf("--format must be csv or json, got %q", auditFormat)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	store, err := openEvidenceStore()
	if err != nil {
		return fmt.Errorf("initializing evidence store: %w", err)
	}
	defer store.Close()

	list, err := store.List(ctx, auditFilter(exportLimit))
	if err != nil {
		return fmt.Errorf("querying turn records: %w", err)
	}
	if auditOut != "" {
		if err := exportToFile(auditOut, list, auditFormat); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d turn records to %s\n", len(list), auditOut)
		return nil
	}
	return writeExport(cmd.OutOrStdout(), list, auditFormat)
}

// writeExport renders records as CSV (with header) or a JSON array.
func writeExport(w io.Writer, list []evidence.Record, format string) error {
	records := make([]evidence.ExportRecord, len(list))
	for i := range list {
		records[i] = evidence.ToExportRecord(&list[i])
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(evidence.ExportHeader); err != nil {
		return err
	}
	for i := range records {
		if err := cw.Write(records[i].CSVRow()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// renderAuditList writes turn index lines to w.
func renderAuditList(w io.Writer, index []evidence.Index) {
	fmt.Fprintf(w, "Turn Records (showing %d):\n\n", len(index))
	for i := range index {
		entry := &index[i]
		status := "✓"
		switch {
		case entry.HasError:
			status = "✗"
		case entry.Blocked || entry.Outcome == "degraded":
			status = "!"
		}
		fmt.Fprintf(w, "  %s %s | %s | %s | lead %s (%s) | %s | %d actions | %s | %s\n",
			status,
			entry.ID,
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			entry.Profile,
			entry.LeadNumbersID,
			orDash(entry.LeadStatus),
			entry.Outcome,
			entry.Actions,
			orDash(entry.Model),
			formatDurationMS(entry.DurationMS),
		)
	}
}

// renderVerifyResult writes the verify outcome to w.
func renderVerifyResult(w io.Writer, id string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Turn record %s: signature VALID (HMAC-SHA256 intact)\n", id)
	} else {
		fmt.Fprintf(w, "✗ Turn record %s: signature INVALID (possible tampering)\n", id)
	}
}

func exportToFile(path string, list []evidence.Record, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeExport(f, list, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
