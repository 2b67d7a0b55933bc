package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movingally/smsrelay/internal/evidence"
)

func seedRecord(t *testing.T, outcome string) string {
	t.Helper()
	store, err := openEvidenceStore()
	require.NoError(t, err)
	defer store.Close()
	sealer, err := evidence.NewSealer(os.Getenv("SMSRELAY_SEAL_KEY"))
	require.NoError(t, err)

	rec, err := evidence.NewGenerator(store, evidence.WithSealing(sealer)).Generate(context.Background(), evidence.GenerateParams{
		Profile:        "testco",
		LeadNumbersID:  "77",
		LeadStatus:     "quote_sent",
		InvocationType: "cli",
		Outcome:        outcome,
		Execution:      evidence.Execution{Model: "gpt-4.1", DurationMS: 1200},
		Actions:        []evidence.ActionItem{{Name: "add_lead_note", Status: "succeeded", Success: true}},
		InputText:      "Can we move on the 14th?",
		ReplyText:      "Done.",
	})
	require.NoError(t, err)
	return rec.ID
}

func TestAuditCmd_HasSubcommands(t *testing.T) {
	registered := make(map[string]bool)
	for _, cmd := range auditCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range []string{"list", "show", "verify", "export"} {
		assert.True(t, registered[name], "audit subcommand %q should be registered", name)
	}
}

func TestAuditVerifyCmd_RequiresOneArg(t *testing.T) {
	assert.Error(t, auditVerifyCmd.Args(auditVerifyCmd, []string{}))
	assert.NoError(t, auditVerifyCmd.Args(auditVerifyCmd, []string{"turn_123"}))
}

func TestAuditListCmd_Flags(t *testing.T) {
	for _, name := range []string{"profile", "lead", "outcome", "since", "limit"} {
		assert.NotNil(t, auditListCmd.Flags().Lookup(name), "audit list flag %q should be registered", name)
	}
	assert.Equal(t, "20", auditListCmd.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "10000", auditExportCmd.Flags().Lookup("limit").DefValue)
}

func TestAudit_ListShowVerify(t *testing.T) {
	testEnv(t)
	id := seedRecord(t, "replied")

	out, err := execute(t, "audit", "list", "--lead", "77")
	require.NoError(t, err)
	assert.Contains(t, out, "Turn Records (showing 1)")
	assert.Contains(t, out, id)

	out, err = execute(t, "audit", "show", id, "--unseal")
	require.NoError(t, err)
	assert.Contains(t, out, `"lead_numbers_id": "77"`)
	assert.Contains(t, out, "Can we move on the 14th?")

	out, err = execute(t, "audit", "verify", id)
	require.NoError(t, err)
	assert.Contains(t, out, "VALID")

	_, err = execute(t, "audit", "verify", "turn_missing")
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}

func TestAudit_ExportToFile(t *testing.T) {
	testEnv(t)
	seedRecord(t, "replied")
	seedRecord(t, "blocked")

	path := filepath.Join(t.TempDir(), "turns.json")
	_, err := execute(t, "audit", "export", "--format", "json", "--out", path)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []evidence.ExportRecord
	require.NoError(t, json.Unmarshal(raw, &records))
	assert.Len(t, records, 2)

	_, err = execute(t, "audit", "export", "--format", "xml")
	assert.Error(t, err)
	auditFormat = "csv"
	auditOut = ""
}

func TestWriteExport_CSV(t *testing.T) {
	list := []evidence.Record{{
		ID: "turn_1", Timestamp: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		Profile: "testco", LeadNumbersID: "77", Outcome: "replied",
	}}
	var buf bytes.Buffer
	require.NoError(t, writeExport(&buf, list, "csv"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,timestamp,profile"))
	assert.Contains(t, lines[1], "turn_1")
}

func TestRenderAuditList(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2025, 2, 18, 10, 0, 0, 0, time.UTC)
	renderAuditList(&buf, []evidence.Index{
		{ID: "turn_1", Timestamp: ts, Profile: "testco", LeadNumbersID: "77", LeadStatus: "booked", Outcome: "replied", Actions: 2, Model: "gpt-4.1", DurationMS: 900},
		{ID: "turn_2", Timestamp: ts, Profile: "testco", LeadNumbersID: "78", Outcome: "error", HasError: true, DurationMS: 1500},
	})
	out := buf.String()
	assert.Contains(t, out, "Turn Records (showing 2)")
	assert.Contains(t, out, "✓ turn_1")
	assert.Contains(t, out, "✗ turn_2")
	assert.Contains(t, out, "lead 78 (-)")
	assert.Contains(t, out, "900ms")
	assert.Contains(t, out, "1.5s")
}

func TestRenderVerifyResult(t *testing.T) {
	var bufValid, bufInvalid bytes.Buffer
	renderVerifyResult(&bufValid, "turn_abc", true)
	renderVerifyResult(&bufInvalid, "turn_xyz", false)
	assert.Contains(t, bufValid.String(), "VALID")
	assert.Contains(t, bufValid.String(), "turn_abc")
	assert.Contains(t, bufInvalid.String(), "INVALID")
	assert.Contains(t, bufInvalid.String(), "turn_xyz")
}
