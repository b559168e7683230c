package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/internal/models"
)

func testMailbox() *models.Mailbox {
	rules := "Always sign off as the support team."
	return &models.Mailbox{Name: "Acme Support", WritingRules: &rules}
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Greater(t, CountTokens("hello world, this is a sentence"), 0)
	assert.Greater(t, CountTokens(strings.Repeat("word ", 100)), CountTokens("word"))
}

func TestTruncateToTokens(t *testing.T) {
	long := strings.Repeat("some fairly normal sentence about support tickets. ", 200)
	truncated := TruncateToTokens(long, 50)
	assert.Less(t, len(truncated), len(long))
	assert.LessOrEqual(t, CountTokens(truncated), 55) // allow for the ellipsis

	short := "short text"
	assert.Equal(t, short, TruncateToTokens(short, 100))
	assert.Equal(t, short, TruncateToTokens(short, 0))
}

func TestBuilderSystemSectionOrder(t *testing.T) {
	kb := "Refunds take 5 days."
	past := "user: where is my refund\nstaff: it is on its way"
	meta := `{"plan": "pro"}`
	builder := &Builder{
		Mailbox:           testMailbox(),
		KnowledgeBank:     &kb,
		PastConversations: &past,
		Metadata:          &meta,
		WebsitePages: []models.WebsitePage{
			{Title: "Pricing", URL: "https://acme.test/pricing", Markdown: "Plans start at $10."},
		},
	}

	system := builder.System(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))

	assert.Contains(t, system, "Acme Support")
	assert.Contains(t, system, "2026-08-28")

	// Tenant content precedes generic rules; hard constraints come last.
	rulesIdx := strings.Index(system, "Always sign off")
	kbIdx := strings.Index(system, "Refunds take 5 days")
	pagesIdx := strings.Index(system, "Pricing")
	pastIdx := strings.Index(system, "where is my refund")
	metaIdx := strings.Index(system, `"plan"`)
	constraintsIdx := strings.Index(system, "Important rules that override")

	require.True(t, rulesIdx > 0 && kbIdx > 0 && pagesIdx > 0 && pastIdx > 0 && metaIdx > 0 && constraintsIdx > 0)
	assert.Less(t, rulesIdx, kbIdx)
	assert.Less(t, kbIdx, pagesIdx)
	assert.Less(t, pagesIdx, pastIdx)
	assert.Less(t, pastIdx, metaIdx)
	assert.Less(t, metaIdx, constraintsIdx)
}

func TestBuilderSystemOmitsEmptySections(t *testing.T) {
	builder := &Builder{Mailbox: &models.Mailbox{Name: "Acme Support"}}
	system := builder.System(time.Now())
	assert.NotContains(t, system, "Knowledge bank")
	assert.NotContains(t, system, "past conversations")
	assert.NotContains(t, system, "Information about this customer")
}

func TestBuilderInfoTracksSources(t *testing.T) {
	kb := "fact"
	builder := &Builder{
		Mailbox:       testMailbox(),
		KnowledgeBank: &kb,
		WebsitePages: []models.WebsitePage{
			{Title: "Docs", URL: "https://acme.test/docs", Similarity: 0.81},
		},
	}
	info := builder.Info("system text", "user question")

	assert.Equal(t, "system text", info.SystemPrompt)
	assert.Equal(t, "user question", info.UserPrompt)
	require.NotNil(t, info.KnowledgeBank)
	require.Len(t, info.WebsitePages, 1)
	assert.Equal(t, 0.81, info.WebsitePages[0].Similarity)
	assert.Nil(t, info.PastConversations)
}

func TestCheckTokenCountAndSummarizeIfNeeded_ShortTextIsNoOp(t *testing.T) {
	// Under the limit no LLM call happens: the nil client would panic if
	// it were touched.
	text := "a perfectly reasonable amount of text"
	result, err := CheckTokenCountAndSummarizeIfNeeded(context.Background(), nil, 1, text)
	require.NoError(t, err)
	assert.Equal(t, text, result)
}

func TestShortenDropOrder(t *testing.T) {
	kb := strings.Repeat("knowledge ", 300)
	past := strings.Repeat("past conversation ", 300)
	meta := strings.Repeat("metadata ", 300)

	newBuilder := func() *Builder {
		kbCopy, pastCopy, metaCopy := kb, past, meta
		return &Builder{
			Mailbox:           testMailbox(),
			KnowledgeBank:     &kbCopy,
			PastConversations: &pastCopy,
			Metadata:          &metaCopy,
		}
	}
	history := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "where is my order?"},
	}

	// Generous limit: nothing dropped.
	b := newBuilder()
	Shorten(b, history, ModelTokenLimit)
	assert.NotNil(t, b.PastConversations)
	assert.NotNil(t, b.KnowledgeBank)
	assert.NotNil(t, b.Metadata)

	// Tight enough to force dropping past conversations only.
	b = newBuilder()
	base := totalTokens(&Builder{Mailbox: testMailbox(), KnowledgeBank: b.KnowledgeBank, Metadata: b.Metadata}, history, time.Now())
	Shorten(b, history, base+50)
	assert.Nil(t, b.PastConversations)
	assert.NotNil(t, b.KnowledgeBank)
	assert.NotNil(t, b.Metadata)

	// Tighter still: knowledge bank goes next, metadata last.
	b = newBuilder()
	base = totalTokens(&Builder{Mailbox: testMailbox(), Metadata: b.Metadata}, history, time.Now())
	Shorten(b, history, base+50)
	assert.Nil(t, b.PastConversations)
	assert.Nil(t, b.KnowledgeBank)
	assert.NotNil(t, b.Metadata)
}

func TestShortenHalvesLongestMessage(t *testing.T) {
	b := &Builder{Mailbox: testMailbox()}
	long := strings.Repeat("a very long customer message. ", 500)
	history := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "short one"},
		{Role: openai.ChatMessageRoleUser, Content: long},
	}

	limit := totalTokens(b, history, time.Now()) - 100
	result := Shorten(b, history, limit)

	assert.Equal(t, "short one", result[0].Content)
	assert.Less(t, len(result[1].Content), len(long))
}
