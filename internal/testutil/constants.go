package testutil

// Test keys for use in tests only. Both are 32 bytes.
const (
	TestSigningKey = "test-signing-key-123456789012345"
	TestSealKey    = "12345678901234567890123456789012"
)
