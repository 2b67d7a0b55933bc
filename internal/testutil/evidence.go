package testutil

import (
	"path/filepath"
	"testing"

	"github.com/movingally/smsrelay/internal/evidence"
)

// NewTestEvidenceStore creates an evidence store in a temp dir with sealing
// enabled and registers t.Cleanup to close it. Uses TestSigningKey and
// TestSealKey.
func NewTestEvidenceStore(t *testing.T) (*evidence.Store, *evidence.Sealer) {
	t.Helper()
	sealer, err := evidence.NewSealer(TestSealKey)
	if err != nil {
		t.Fatal(err)
	}
	store, err := evidence.NewStore(filepath.Join(t.TempDir(), "evidence.db"), TestSigningKey, evidence.WithSealer(sealer))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, sealer
}
