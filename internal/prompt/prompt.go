// Package prompt assembles the final generator prompt for a turn from
// conversation context, extracted key information, and retrieved
// historical chunks, enforcing a hard character budget.
package prompt

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/manifold/convomem/internal/extract"
	"github.com/manifold/convomem/internal/retrieve"
	"github.com/manifold/convomem/internal/store"
	"github.com/manifold/convomem/internal/window"
)

const systemContext = "You are a helpful assistant with access to the user's conversation history. Use the provided context to give relevant, informed responses."

// budgetReserve is the slack subtracted from maxPromptLength before
// allocating section budgets, leaving room for headers and markers. It is
// capped at an eighth of the budget so small limits still admit context.
const budgetReserve = 500

// truncMarker is the line inserted wherever a context block was cut short.
const truncMarker = "\n[...truncated...]"

// section weights; current-message section is exempt from truncation so
// it carries no weight here.
const (
	weightConversation = 0.4
	weightKeyInfo       = 0.3
	weightHistorical    = 0.2
)

// Builder assembles turn prompts under a hard character budget.
type Builder struct {
	MaxLength        int
	EnableTruncation bool
}

// New constructs a Builder. maxLength <= 0 falls back to 4000.
func New(maxLength int, enableTruncation bool) *Builder {
	if maxLength <= 0 {
		maxLength = 4000
	}
	return &Builder{MaxLength: maxLength, EnableTruncation: enableTruncation}
}

type weightedSection struct {
	header string
	body   string
	weight float64
}

// Build assembles the prompt in fixed section order under the configured
// budget. currentMessage always appears verbatim in its own section.
func (b *Builder) Build(currentMessage string, convo window.ConversationContext, info extract.Information, groups []retrieve.ExpandedChunkGroup, sessionID string) string {
	conversationBody := buildConversationSection(convo)
	keyInfoBody := buildKeyInfoSection(info)
	historicalBody := buildHistoricalSection(groups)

	sections := []weightedSection{
		{header: "## Recent Conversation:", body: conversationBody, weight: weightConversation},
		{header: "## Key Information:", body: keyInfoBody, weight: weightKeyInfo},
		{header: "## Relevant Historical Context:", body: historicalBody, weight: weightHistorical},
	}

	var contextBlocks []string
	if b.EnableTruncation {
		reserve := budgetReserve
		if b.MaxLength/8 < reserve {
			reserve = b.MaxLength / 8
		}
		available := b.MaxLength - len(systemContext) - len(currentMessage) - reserve
		if available < 0 {
			available = 0
		}
		contextBlocks = assembleWithBudget(sections, available)
	} else {
		for _, s := range sections {
			if s.body == "" {
				continue
			}
			contextBlocks = append(contextBlocks, s.header+"\n"+s.body)
		}
	}

	prompt := assemble(currentMessage, contextBlocks)

	if b.EnableTruncation && len(prompt) > b.MaxLength {
		prompt = finalPass(currentMessage, contextBlocks, b.MaxLength)
	}
	return prompt
}

func assemble(currentMessage string, contextBlocks []string) string {
	var sb strings.Builder
	sb.WriteString(systemContext)
	sb.WriteString("\n\n")
	for _, block := range contextBlocks {
		sb.WriteString(block)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Current Message:\n")
	sb.WriteString(currentMessage)
	return sb.String()
}

// assembleWithBudget sorts sections by descending weight, fits each
// wholesale if it fits within what remains of available, otherwise
// truncates it at a natural break and stops adding further sections.
func assembleWithBudget(sections []weightedSection, available int) []string {
	ordered := make([]weightedSection, len(sections))
	copy(ordered, sections)
	sortByWeightDesc(ordered)

	var blocks []string
	remaining := available
	for _, s := range ordered {
		if s.body == "" {
			continue
		}
		block := s.header + "\n" + s.body
		if len(block) <= remaining {
			blocks = append(blocks, block)
			remaining -= len(block)
			continue
		}
		if remaining <= 0 {
			break
		}
		truncated := truncateNatural(s.body, remaining)
		blocks = append(blocks, s.header+"\n"+truncated+truncMarker)
		break
	}
	return blocks
}

func sortByWeightDesc(sections []weightedSection) {
	for i := 1; i < len(sections); i++ {
		for j := i; j > 0 && sections[j].weight > sections[j-1].weight; j-- {
			sections[j], sections[j-1] = sections[j-1], sections[j]
		}
	}
}

// truncateNatural cuts body to at most limit chars, preferring (in order)
// a double-newline within 200 chars of the cut, a sentence terminator
// within 100 chars, whitespace within 50 chars, else a hard cut.
func truncateNatural(body string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(body) <= limit {
		return body
	}
	prefix := body[:limit]

	if idx := lastIndexWithin(prefix, "\n\n", 200); idx >= 0 {
		return prefix[:idx]
	}
	if idx := lastSentenceTerminator(prefix, 100); idx >= 0 {
		return prefix[:idx+1]
	}
	if idx := lastWhitespace(prefix, 50); idx >= 0 {
		return prefix[:idx]
	}
	return prefix
}

func lastIndexWithin(s, sep string, window int) int {
	lo := len(s) - window
	if lo < 0 {
		lo = 0
	}
	idx := strings.LastIndex(s[lo:], sep)
	if idx < 0 {
		return -1
	}
	return lo + idx
}

func lastSentenceTerminator(s string, window int) int {
	lo := len(s) - window
	if lo < 0 {
		lo = 0
	}
	for i := len(s) - 1; i >= lo; i-- {
		switch s[i] {
		case '.', '!', '?':
			return i
		}
	}
	return -1
}

func lastWhitespace(s string, window int) int {
	lo := len(s) - window
	if lo < 0 {
		lo = 0
	}
	for i := len(s) - 1; i >= lo; i-- {
		if unicode.IsSpace(rune(s[i])) {
			return i
		}
	}
	return -1
}

// finalPass applies one more round of natural-break truncation to the
// combined context block while keeping system context and current
// message intact.
func finalPass(currentMessage string, contextBlocks []string, maxLength int) string {
	fixed := systemContext + "\n\n" + "## Current Message:\n" + currentMessage
	available := maxLength - len(fixed) - len(truncMarker) - 2
	if available < 0 {
		available = 0
	}
	middle := strings.Join(contextBlocks, "\n\n")
	middle = truncateNatural(middle, available)

	var sb strings.Builder
	sb.WriteString(systemContext)
	sb.WriteString("\n\n")
	if middle != "" {
		sb.WriteString(middle)
		sb.WriteString(truncMarker)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Current Message:\n")
	sb.WriteString(currentMessage)
	return sb.String()
}

func buildConversationSection(convo window.ConversationContext) string {
	var sb strings.Builder
	if convo.Summary != nil && *convo.Summary != "" {
		fmt.Fprintf(&sb, "**Summary:** %s\n", *convo.Summary)
	}
	if len(convo.RecentMessages) > 0 {
		sb.WriteString("**Recent Messages:**\n")
		for _, m := range convo.RecentMessages {
			fmt.Fprintf(&sb, "- %s: %s\n", roleLabel(m.Role), m.Content)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func roleLabel(r store.Role) string {
	switch r {
	case store.RoleUser:
		return "User"
	case store.RoleAssistant:
		return "Assistant"
	}
	return string(r)
}

func buildKeyInfoSection(info extract.Information) string {
	if info.IsEmpty() {
		return ""
	}
	var sb strings.Builder
	if len(info.Entities) > 0 {
		fmt.Fprintf(&sb, "**Important Entities:** %s\n", strings.Join(info.Entities, ", "))
	}
	if len(info.KeyFacts) > 0 {
		sb.WriteString("**Key Facts:**\n")
		for _, f := range info.KeyFacts {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	if info.UserIntent != "" {
		fmt.Fprintf(&sb, "**User Intent:** %s\n", info.UserIntent)
	}
	if len(info.ActionItems) > 0 {
		sb.WriteString("**Action Items:**\n")
		for _, a := range info.ActionItems {
			fmt.Fprintf(&sb, "- %s\n", a)
		}
	}
	if info.ContextualInfo != "" {
		fmt.Fprintf(&sb, "**Context:** %s\n", info.ContextualInfo)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func buildHistoricalSection(groups []retrieve.ExpandedChunkGroup) string {
	if len(groups) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, g := range groups {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("**Context from previous conversation:**\n")
		sb.WriteString("\"")
		for j, c := range g.Chunks {
			if j > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(c.Text)
		}
		sb.WriteString("\"")
	}
	return sb.String()
}
