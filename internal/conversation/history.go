// Package conversation holds the per-turn message history and the policies
// that turn it into a customer reply plus requested actions.
package conversation

import (
	"fmt"
	"strings"

	"github.com/movingally/smsrelay/internal/lead"
	"github.com/movingally/smsrelay/internal/llm"
)

// PartType distinguishes inbound from generated text.
type PartType string

const (
	PartInputText  PartType = "input_text"
	PartOutputText PartType = "output_text"
)

// Part is one piece of message content.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text"`
}

// Message is one history entry.
type Message struct {
	Role    string `json:"role"`
	Content []Part `json:"content"`
}

// History is the ordered message list for one turn. It is built fresh for
// every inbound message and never persisted across turns.
type History struct {
	Messages []Message `json:"messages"`
}

// SeedHistory builds the single user message a turn starts from: the CRM
// context as JSON followed by the customer's text.
func SeedHistory(tc *lead.TurnContext, customerText string) (*History, error) {
	ctxJSON, err := tc.PromptJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding crm context: %w", err)
	}
	h := &History{}
	h.Append(llm.RoleUser, PartInputText, "CRM Context: "+ctxJSON+"\n\nCustomer Message: "+customerText)
	return h, nil
}

// Append adds a single-part message.
func (h *History) Append(role string, t PartType, text string) {
	h.Messages = append(h.Messages, Message{Role: role, Content: []Part{{Type: t, Text: text}}})
}

// RewriteText applies fn to every input_text part and returns how many
// parts changed. Generated text is left alone.
func (h *History) RewriteText(fn func(string) string) int {
	changed := 0
	for i := range h.Messages {
		for j := range h.Messages[i].Content {
			p := &h.Messages[i].Content[j]
			if p.Type != PartInputText {
				continue
			}
			if out := fn(p.Text); out != p.Text {
				p.Text = out
				changed++
			}
		}
	}
	return changed
}

// LLMMessages renders the history for a chat model, preceded by system
// instructions when non-empty.
func (h *History) LLMMessages(system string) []llm.Message {
	out := make([]llm.Message, 0, len(h.Messages)+1)
	if system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, m := range h.Messages {
		texts := make([]string, len(m.Content))
		for i, p := range m.Content {
			texts[i] = p.Text
		}
		out = append(out, llm.Message{Role: m.Role, Content: strings.Join(texts, "\n")})
	}
	return out
}

// Clone returns a deep copy.
func (h *History) Clone() *History {
	c := &History{Messages: make([]Message, len(h.Messages))}
	for i, m := range h.Messages {
		c.Messages[i] = Message{Role: m.Role, Content: append([]Part(nil), m.Content...)}
	}
	return c
}
