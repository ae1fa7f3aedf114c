package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold/convomem/internal/config"
	"github.com/manifold/convomem/internal/embedclient"
	"github.com/manifold/convomem/internal/store"
	"github.com/manifold/convomem/internal/vectorindex"
)

// scriptedGenerator answers extraction prompts with JSON, summarization
// prompts with a canned summary, and everything else with reply. It keeps
// every chat prompt it saw for assertions.
type scriptedGenerator struct {
	mu          sync.Mutex
	reply       string
	chatPrompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case strings.HasPrefix(prompt, "Extract structured information"):
		return `{"entities":["Teal"],"keyFacts":["likes teal"],"sentiment":"neutral","urgency":"low"}`, nil
	case strings.HasPrefix(prompt, "Summarize the following"),
		strings.HasPrefix(prompt, "Here is the current summary"):
		return "earlier turns covered color preferences", nil
	}
	g.chatPrompts = append(g.chatPrompts, prompt)
	return g.reply, nil
}

func (g *scriptedGenerator) lastChatPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.chatPrompts) == 0 {
		return ""
	}
	return g.chatPrompts[len(g.chatPrompts)-1]
}

func newTestService(t *testing.T, gen *scriptedGenerator, mutate func(*config.Config)) (*Service, store.MessageStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Generator.Model = "test-model"
	if mutate != nil {
		mutate(&cfg)
	}
	messages := store.NewMemoryMessageStore()
	svc := New(cfg, Deps{
		Messages:  messages,
		Chunks:    store.NewMemoryChunkStore(),
		Index:     vectorindex.NewMemory(),
		Embedder:  embedclient.NewDeterministic(32),
		Generator: gen,
	})
	return svc, messages
}

func TestFirstTurnEmptySession(t *testing.T) {
	ctx := context.Background()
	gen := &scriptedGenerator{reply: "hi there"}
	svc, messages := newTestService(t, gen, nil)

	assistant, err := svc.HandleUserTurn(ctx, "hello", "s1")
	require.NoError(t, err)
	svc.WaitForIndexing()

	prompt := gen.lastChatPrompt()
	require.NotEmpty(t, prompt)
	assert.True(t, strings.HasSuffix(prompt, "## Current Message:\nhello"), "prompt should end with the current message section:\n%s", prompt)
	assert.NotContains(t, prompt, "## Recent Conversation:")

	msgs, err := messages.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var user store.Message
	for _, m := range msgs {
		if m.Role == store.RoleUser {
			user = m
		}
	}
	require.NotEmpty(t, user.ID)
	assert.Nil(t, user.ParentMessageID)
	require.NotNil(t, assistant.ParentMessageID)
	assert.Equal(t, user.ID, *assistant.ParentMessageID)
	assert.Equal(t, "hi there", assistant.Content)
	assert.Equal(t, "test-model", assistant.Metadata["model"])
}

func TestSecondTurnUsesWindow(t *testing.T) {
	ctx := context.Background()
	gen := &scriptedGenerator{reply: "nice to meet you"}
	svc, messages := newTestService(t, gen, nil)

	first, err := svc.HandleUserTurn(ctx, "hello", "s1")
	require.NoError(t, err)

	_, err = svc.HandleUserTurn(ctx, "and again", "s1")
	require.NoError(t, err)
	svc.WaitForIndexing()

	prompt := gen.lastChatPrompt()
	require.Contains(t, prompt, "## Recent Conversation:")
	userLine := strings.Index(prompt, "- User: hello")
	assistantLine := strings.Index(prompt, "- Assistant: nice to meet you")
	require.GreaterOrEqual(t, userLine, 0, "prompt missing user line:\n%s", prompt)
	require.GreaterOrEqual(t, assistantLine, 0, "prompt missing assistant line:\n%s", prompt)
	assert.Less(t, userLine, assistantLine, "recent messages out of order")
	assert.NotContains(t, prompt, "- User: and again", "current message must not appear in the recent list")

	msgs, err := messages.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	var secondUser store.Message
	for _, m := range msgs {
		if m.Role == store.RoleUser && m.Content == "and again" {
			secondUser = m
		}
	}
	require.NotNil(t, secondUser.ParentMessageID)
	assert.Equal(t, first.ID, *secondUser.ParentMessageID)
}

func TestRetrievalExcludesJustSentMessage(t *testing.T) {
	ctx := context.Background()
	gen := &scriptedGenerator{reply: "noted"}
	svc, messages := newTestService(t, gen, func(cfg *config.Config) {
		cfg.Window.Size = 4
	})

	early, err := svc.HandleUserTurn(ctx, "My favorite color has always been teal, ever since childhood.", "s1")
	require.NoError(t, err)
	earlyUserID := *early.ParentMessageID

	fillers := []string{
		"I went for a long walk around the lake this morning before work.",
		"The quarterly report still needs another round of edits from me.",
		"We should plan the team offsite for sometime in late October.",
		"I finally fixed the flaky integration test in the billing service.",
	}
	for _, text := range fillers {
		_, err := svc.HandleUserTurn(ctx, text, "s1")
		require.NoError(t, err)
	}
	svc.WaitForIndexing()

	_, err = svc.HandleUserTurn(ctx, "My favorite color has always been teal, ever since childhood.", "s1")
	require.NoError(t, err)
	svc.WaitForIndexing()

	msgs, err := messages.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	var newest store.Message
	for _, m := range msgs {
		if m.Timestamp.After(newest.Timestamp) && m.Role == store.RoleUser {
			newest = m
		}
	}

	groups := svc.retrieveContext(ctx, newest.Content, "s1", newest.ID)
	require.NotEmpty(t, groups, "expected at least one historical group for a repeated message")
	var sawEarly bool
	for _, g := range groups {
		assert.NotEqual(t, newest.ID, g.MessageID, "just-sent message must be excluded")
		if g.MessageID == earlyUserID {
			sawEarly = true
		}
	}
	assert.True(t, sawEarly, "expected the earlier identical message among the groups")

	stats := svc.RetrievalStats("s1")
	assert.Greater(t, stats.RetrievalCount, int64(0))
}

func TestGeneratorFailureFailsTurn(t *testing.T) {
	ctx := context.Background()
	svc, messages := newTestService(t, &scriptedGenerator{reply: "ok"}, nil)
	svc.generator = failingGenerator{}

	_, err := svc.HandleUserTurn(ctx, "hello", "s1")
	require.Error(t, err)

	// The conversation-initiating user message is still persisted.
	msgs, serr := messages.FindBySessionID(ctx, "s1")
	require.NoError(t, serr)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, string) (string, error) {
	return "", assert.AnError
}

func TestStatsAndClear(t *testing.T) {
	ctx := context.Background()
	gen := &scriptedGenerator{reply: "ok"}
	svc, messages := newTestService(t, gen, nil)

	_, err := svc.HandleUserTurn(ctx, "hello there, this is a long enough message to chunk", "s1")
	require.NoError(t, err)
	svc.WaitForIndexing()

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.Index.TotalChunks, 0)
	assert.Equal(t, 1, stats.ActiveWindows)
	assert.Equal(t, 1, stats.CachedExtractions)

	require.NoError(t, svc.ClearSession(ctx, "s1"))
	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Index.TotalChunks)
	assert.Equal(t, 0, stats.ActiveWindows)

	require.NoError(t, svc.ClearAll(ctx))
	msgs, err := messages.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 0, svc.extractor.CacheSize())
}

func TestValidateChainOnHealthySession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &scriptedGenerator{reply: "ok"}, nil)

	_, err := svc.HandleUserTurn(ctx, "hello", "s1")
	require.NoError(t, err)
	_, err = svc.HandleUserTurn(ctx, "how are you", "s1")
	require.NoError(t, err)
	svc.WaitForIndexing()

	result, err := svc.ValidateChain(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 4, result.TotalMessages)
	assert.Equal(t, 1, result.RootCount)

	ordered, err := svc.ReconstructChain(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, ordered, 4)
	for i := 1; i < len(ordered); i++ {
		require.NotNil(t, ordered[i].ParentMessageID)
		assert.Equal(t, ordered[i-1].ID, *ordered[i].ParentMessageID)
	}
}
