package conversation

import (
	"context"
	"errors"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/lead"
)

// ErrEmptyOutput is returned when a policy produces no reply text.
var ErrEmptyOutput = errors.New("policy produced no reply")

// Input is everything a policy may look at.
type Input struct {
	History *History
	Lead    *lead.TurnContext
	Catalog []action.Descriptor
}

// Decision is a policy's answer. Invocations run in order before the reply
// is sent.
type Decision struct {
	Invocations  []action.Invocation
	ReplyText    string
	Policy       string
	Model        string
	InputTokens  int
	OutputTokens int
	Rounds       int
}

// Policy decides what to do with one message.
type Policy interface {
	Name() string
	Decide(ctx context.Context, in *Input) (*Decision, error)
}

// DefaultFallbackReply is sent when the safety gate trips.
const DefaultFallbackReply = "Please ask a valid question."

// StaticPolicy always answers with a fixed reply and requests nothing.
type StaticPolicy struct {
	Reply string
}

// Name returns "static".
func (p *StaticPolicy) Name() string { return "static" }

// Decide returns the configured reply.
func (p *StaticPolicy) Decide(context.Context, *Input) (*Decision, error) {
	reply := p.Reply
	if reply == "" {
		reply = DefaultFallbackReply
	}
	return &Decision{ReplyText: reply, Policy: p.Name()}, nil
}
