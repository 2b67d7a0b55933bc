package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/movingally/smsrelay/internal/action"
	"github.com/movingally/smsrelay/internal/conversation"
	"github.com/movingally/smsrelay/internal/guardrail"
	"github.com/movingally/smsrelay/internal/lead"
)

// DefaultReceivedReply is sent when a turn ends in ERROR or times out.
const DefaultReceivedReply = "Thanks, we received your message. Our representative will get in touch with you."

// DefaultDegradedReply is used for a precondition violation with no
// code-specific reply.
const DefaultDegradedReply = "Our representative will get in touch with you."

// DefaultConversationModel is the chat model a profile uses when none is set.
const DefaultConversationModel = "gpt-4.1"

// Profile is one deployment profile (*.smsrelay.yaml): the guardrails,
// enabled actions, conversation instructions and canned replies for a
// CRM tenant.
type Profile struct {
	Profile      ProfileMeta        `yaml:"profile" json:"profile"`
	Conversation ConversationConfig `yaml:"conversation" json:"conversation"`
	Guardrails   guardrail.Config   `yaml:"guardrails" json:"guardrails"`
	Actions      ActionsConfig      `yaml:"actions" json:"actions"`
	Replies      RepliesConfig      `yaml:"replies" json:"replies"`

	// Instructions is the content of Conversation.InstructionsFile.
	Instructions string `yaml:"-" json:"-"`
	// Path is the file the profile was loaded from. Warnings are non-fatal
	// findings from loading.
	Path       string   `yaml:"-" json:"path,omitempty"`
	Warnings   []string `yaml:"-" json:"warnings,omitempty"`
	Hash       string   `yaml:"-" json:"hash"`
	VersionTag string   `yaml:"-" json:"version_tag"`
}

// ProfileMeta identifies a profile.
type ProfileMeta struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ConversationConfig tunes the conversation policy.
type ConversationConfig struct {
	Model            string  `yaml:"model,omitempty" json:"model,omitempty"`
	InstructionsFile string  `yaml:"instructions_file,omitempty" json:"instructions_file,omitempty"`
	Temperature      float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens        int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxRounds        int     `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty"`
	FallbackReply    string  `yaml:"fallback_reply,omitempty" json:"fallback_reply,omitempty"`
}

// ActionsConfig selects and configures the action catalog.
type ActionsConfig struct {
	Enabled      []string `yaml:"enabled" json:"enabled"`
	NoteTypes    []string `yaml:"note_types,omitempty" json:"note_types,omitempty"`
	NoteChannel  string   `yaml:"note_channel,omitempty" json:"note_channel,omitempty"`
	LinkDelivery string   `yaml:"link_delivery,omitempty" json:"link_delivery,omitempty"`
	// LinkStatus lists the lead statuses each link action may run in. An
	// action missing from the map is not restricted beyond the built-in
	// status rules.
	LinkStatus map[string][]string `yaml:"link_status,omitempty" json:"link_status,omitempty"`
	DryRun     bool                `yaml:"dry_run,omitempty" json:"dry_run,omitempty"`
}

// RepliesConfig holds the canned customer replies.
type RepliesConfig struct {
	Received  string            `yaml:"received,omitempty" json:"received,omitempty"`
	MaxLength int               `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Degraded  map[string]string `yaml:"degraded,omitempty" json:"degraded,omitempty"`
}

// DegradedReply returns the reply for the first code with one configured,
// else the "default" entry.
func (r RepliesConfig) DegradedReply(codes ...string) string {
	for _, c := range codes {
		if reply, ok := r.Degraded[c]; ok && reply != "" {
			return reply
		}
	}
	if reply := r.Degraded["default"]; reply != "" {
		return reply
	}
	return DefaultDegradedReply
}

// ComputeHash sets Hash and VersionTag from the raw profile bytes.
func (p *Profile) ComputeHash(content []byte) {
	sum := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(sum[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Profile.Version, p.Hash[:8])
}

// BuiltinOptions maps the actions section onto action.BuiltinOptions. The
// CRM client is supplied by the caller.
func (p *Profile) BuiltinOptions(client action.CRM) (action.BuiltinOptions, error) {
	delivery, err := action.ParseLinkDelivery(p.Actions.LinkDelivery)
	if err != nil {
		return action.BuiltinOptions{}, err
	}
	return action.BuiltinOptions{
		CRM:          client,
		NoteTypes:    p.Actions.NoteTypes,
		NoteChannel:  p.Actions.NoteChannel,
		LinkDelivery: delivery,
	}, nil
}

func applyDefaults(p *Profile) {
	if p.Conversation.Model == "" {
		p.Conversation.Model = DefaultConversationModel
	}
	if p.Conversation.MaxRounds == 0 {
		p.Conversation.MaxRounds = conversation.DefaultMaxRounds
	}
	if p.Conversation.FallbackReply == "" {
		p.Conversation.FallbackReply = conversation.DefaultFallbackReply
	}
	if len(p.Actions.NoteTypes) == 0 {
		p.Actions.NoteTypes = append([]string(nil), action.DefaultNoteTypes...)
	}
	if p.Actions.LinkDelivery == "" {
		p.Actions.LinkDelivery = string(action.LinkDeliveryReply)
	}
	if p.Replies.Received == "" {
		p.Replies.Received = DefaultReceivedReply
	}
	if p.Replies.MaxLength == 0 {
		p.Replies.MaxLength = conversation.DefaultMaxReplyLength
	}
	if p.Replies.Degraded == nil {
		p.Replies.Degraded = map[string]string{}
	}
	if p.Replies.Degraded["default"] == "" {
		p.Replies.Degraded["default"] = DefaultDegradedReply
	}
}

// validate applies the rules the JSON schema cannot express.
func validate(p *Profile) error {
	if err := p.Guardrails.Validate(); err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	for _, cat := range p.Guardrails.UnsupportedCategories() {
		p.Warnings = append(p.Warnings, fmt.Sprintf("guardrails.moderation: category %q is never reported and will be ignored", cat))
	}
	known := action.Builtins(action.BuiltinOptions{})
	seen := make(map[string]bool, len(p.Actions.Enabled))
	for _, name := range p.Actions.Enabled {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("actions.enabled: %w: %s", action.ErrUnknownAction, name)
		}
		if seen[name] {
			return fmt.Errorf("actions.enabled: %s listed twice", name)
		}
		seen[name] = true
	}
	for name, statuses := range p.Actions.LinkStatus {
		a, ok := known[name]
		if !ok || a.Kind() != action.KindLink {
			return fmt.Errorf("actions.link_status: %s is not a link action", name)
		}
		for _, s := range statuses {
			if _, err := lead.ParseStatus(s); err != nil {
				return fmt.Errorf("actions.link_status.%s: %w", name, err)
			}
		}
	}
	if _, err := action.ParseLinkDelivery(p.Actions.LinkDelivery); err != nil {
		return fmt.Errorf("actions.link_delivery: %w", err)
	}
	return nil
}
