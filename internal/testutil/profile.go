package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ProfileYAML is a complete deployment profile with every check enabled,
// the payment and invoice links in reply mode and PII masking.
const ProfileYAML = `profile:
  name: testco
  version: 1.0.0
  description: test profile
conversation:
  model: gpt-4.1
  instructions_file: testco.md
  temperature: 0.2
  max_tokens: 300
guardrails:
  moderation: {}
  jailbreak: {confidence_threshold: 0.7}
  nsfw: {confidence_threshold: 0.7, fail_open: true}
  prompt_injection: {confidence_threshold: 0.7, local_min_severity: 3}
  pii: {block: false}
actions:
  enabled: [add_lead_note, update_lead, send_payment_link, send_invoice_link]
  link_delivery: reply
  link_status:
    send_payment_link: [quote_generated, quote_sent]
    send_invoice_link: [booked]
replies:
  received: "Thanks, we received your message."
  degraded:
    default: "Our representative will get in touch with you."
    payment_link_booked: "Your move is already booked. Would you like the invoice?"
    payment_link_not_ready: "Your quote is not ready yet."
`

// ProfileInstructions is the instructions file ProfileYAML references.
const ProfileInstructions = "You are the customer support assistant for TestCo movers."

// WriteProfile writes ProfileYAML (or content when non-empty) and its
// instructions file into dir and returns the profile path.
func WriteProfile(t *testing.T, dir, content string) string {
	t.Helper()
	if content == "" {
		content = ProfileYAML
	}
	path := filepath.Join(dir, "testco.smsrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "testco.md"), []byte(ProfileInstructions+"\n"), 0o600))
	return path
}
