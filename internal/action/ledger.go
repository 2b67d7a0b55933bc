package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Ledger records the outcome of once-class side effects so a re-delivered
// message replays the recorded result instead of repeating the call.
type Ledger interface {
	// Claim reserves key. It returns the recorded result when key already
	// completed, ErrInFlight when another turn holds it, and nil, nil when
	// the caller now owns it.
	Claim(ctx context.Context, key string) (*Result, error)
	// Complete records the successful result for a claimed key.
	Complete(ctx context.Context, key string, res *Result) error
	// Release frees a claimed key after a failed execution.
	Release(ctx context.Context, key string) error
}

// IdempotencyKey derives the ledger key for an invocation. Map keys are
// marshaled in sorted order so equal parameters hash equally.
func IdempotencyKey(deliveryKey, actionName string, params map[string]any) string {
	canon, _ := json.Marshal(params)
	h := sha256.New()
	h.Write([]byte(deliveryKey))
	h.Write([]byte{'|'})
	h.Write([]byte(actionName))
	h.Write([]byte{'|'})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// DeliveryKey identifies an inbound message. A gateway message id wins;
// otherwise the message is identified by its sender and text.
func DeliveryKey(messageID, leadNumbersID, text string) string {
	if messageID != "" {
		return "msg:" + messageID
	}
	sum := sha256.Sum256([]byte(leadNumbersID + "\x00" + text))
	return "body:" + hex.EncodeToString(sum[:])
}
