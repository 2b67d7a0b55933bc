package evidence

import (
	"context"

	"github.com/movingally/smsrelay/internal/classifier"
)

// SanitizeForEvidence replaces PII in text with [TYPE] placeholders. Error
// strings from the CRM can echo customer data, so every free-text field of
// a record passes through here. When scanner is nil, text is returned
// unchanged.
func SanitizeForEvidence(ctx context.Context, text string, scanner *classifier.Scanner) string {
	if scanner == nil || text == "" {
		return text
	}
	return scanner.Redact(ctx, text)
}
