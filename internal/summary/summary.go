// Package summary turns a run of conversation messages into a compact
// text summary, used by internal/window once a session's recent-message
// buffer overflows.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manifold/convomem/internal/store"
)

// Generator is the subset of genclient.Generator the summary service needs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// maxInputLength bounds the formatted transcript handed to the generator;
// not an exposed control knob, just an internal guard against oversized
// prompts.
const maxInputLength = 6000

// envelope is the persisted shape of a summary: a small JSON wrapper
// around the plain-text summary, so a future provider-specific compaction
// format can be added without breaking anything already stored.
type envelope struct {
	Plain string `json:"plain"`
}

// Encode wraps a plain-text summary in its storage envelope.
func Encode(plain string) string {
	raw, err := json.Marshal(envelope{Plain: plain})
	if err != nil {
		return plain
	}
	return string(raw)
}

// Decode unwraps a stored summary. Legacy bare-string summaries (no JSON
// envelope) are tolerated and returned as-is.
func Decode(stored string) string {
	trimmed := strings.TrimSpace(stored)
	if trimmed == "" {
		return ""
	}
	if trimmed[0] != '{' {
		return stored
	}
	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return stored
	}
	return env.Plain
}

// Service produces and incrementally updates conversation summaries.
type Service struct {
	Generator Generator
}

// New constructs a Service.
func New(generator Generator) *Service {
	return &Service{Generator: generator}
}

// GenerateSummary formats messages as a role-tagged transcript and asks
// the generator to summarize it. It returns (summary, true) on a produced
// summary, or ("", false) when there is nothing to summarize.
func (s *Service) GenerateSummary(ctx context.Context, messages []store.Message, sessionID string) (string, bool) {
	if len(messages) == 0 {
		return "", false
	}

	transcript := formatTranscript(messages)
	transcript = truncateForInput(transcript)

	if s.Generator == nil {
		return fallbackSummary(messages), true
	}

	prompt := summarizePrompt(transcript)
	text, err := s.Generator.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		return fallbackSummary(messages), true
	}
	return strings.TrimSpace(text), true
}

// UpdateSummary folds newMessages into an existing plain-text summary. If
// existing is empty it delegates to GenerateSummary. On generator failure
// it returns existing unchanged — summaries never degrade.
func (s *Service) UpdateSummary(ctx context.Context, existing string, newMessages []store.Message, sessionID string) string {
	if strings.TrimSpace(existing) == "" {
		text, ok := s.GenerateSummary(ctx, newMessages, sessionID)
		if !ok {
			return ""
		}
		return text
	}
	if len(newMessages) == 0 {
		return existing
	}

	transcript := formatTranscript(newMessages)
	combined := existing + "\n\n" + transcript
	if len(combined) > maxInputLength {
		transcript = truncateForInput(transcript)
		combined = existing + "\n\n" + transcript
		if len(combined) > maxInputLength {
			text, ok := s.GenerateSummary(ctx, newMessages, sessionID)
			if !ok {
				return existing
			}
			return text
		}
	}

	if s.Generator == nil {
		return existing
	}

	prompt := updatePrompt(existing, transcript)
	text, err := s.Generator.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		return existing
	}
	return strings.TrimSpace(text)
}

func formatTranscript(messages []store.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s] %s: %s\n\n", m.Timestamp.Format("15:04:05"), m.Role, m.Content)
	}
	return sb.String()
}

// truncateForInput trims a transcript to maxInputLength from the front,
// preferring a double-newline message boundary within ±200 chars of the
// cut, and prepends an ellipsis marker.
func truncateForInput(text string) string {
	if len(text) <= maxInputLength {
		return text
	}
	cut := len(text) - maxInputLength
	best := cut
	lo := cut - 200
	if lo < 0 {
		lo = 0
	}
	hi := cut + 200
	if hi > len(text) {
		hi = len(text)
	}
	if idx := strings.Index(text[lo:hi], "\n\n"); idx >= 0 {
		best = lo + idx + 2
	}
	return "...[earlier conversation truncated]...\n\n" + text[best:]
}

func summarizePrompt(transcript string) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation. Identify the topics discussed, information shared, decisions made, questions and answers, and any concrete facts stated.\n\n")
	sb.WriteString(transcript)
	return sb.String()
}

func updatePrompt(existing, transcript string) string {
	var sb strings.Builder
	sb.WriteString("Here is the current summary of a conversation:\n\n")
	sb.WriteString(existing)
	sb.WriteString("\n\nIncorporate the following additional messages into an updated summary, identifying new topics, information, decisions, and facts:\n\n")
	sb.WriteString(transcript)
	return sb.String()
}

// fallbackSummary builds a deterministic summary without the generator:
// message counts by role, plus the last three messages truncated to 100
// chars each.
func fallbackSummary(messages []store.Message) string {
	counts := map[store.Role]int{}
	for _, m := range messages {
		counts[m.Role]++
	}

	var sb strings.Builder
	sb.WriteString("Conversation summary unavailable. ")
	fmt.Fprintf(&sb, "%d messages (", len(messages))
	first := true
	for _, role := range []store.Role{store.RoleUser, store.RoleAssistant} {
		if counts[role] == 0 {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%d %s", counts[role], role)
	}
	sb.WriteString("). Last messages: ")

	last := messages
	if len(last) > 3 {
		last = last[len(last)-3:]
	}
	for i, m := range last {
		if i > 0 {
			sb.WriteString(" | ")
		}
		fmt.Fprintf(&sb, "%s: %s", m.Role, truncate100(m.Content))
	}
	return sb.String()
}

func truncate100(s string) string {
	if len(s) <= 100 {
		return s
	}
	return s[:100] + "..."
}
