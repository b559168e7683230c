package embeddings

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"helpdesk/internal/database"
	"helpdesk/internal/llm"
	"helpdesk/internal/models"
)

// SimilarityThreshold is the fixed cutoff for all retrieval sources. Too
// low a threshold pollutes the prompt with irrelevant context.
const SimilarityThreshold = 0.4

// Per-source result caps bound prompt-composition cost.
const (
	ConversationLimit = 3
	KnowledgeLimit    = 10
	WebsitePageLimit  = 5
)

// Retriever runs similarity search for the response pipeline.
type Retriever struct {
	db     *sqlx.DB
	llm    *llm.Client
	logger zerolog.Logger
}

// NewRetriever creates a retriever.
func NewRetriever(db *sqlx.DB, client *llm.Client, logger zerolog.Logger) *Retriever {
	return &Retriever{db: db, llm: client, logger: logger}
}

// Embed returns the query vector for a text.
func (r *Retriever) Embed(ctx context.Context, mailboxID int64, text string) ([]float32, error) {
	return r.llm.CreateEmbedding(ctx, mailboxID, "retrieval_query", text)
}

// FindSimilarConversations returns up to ConversationLimit closed
// conversations above the threshold, each with its messages oldest-first.
// It returns nil (not an empty slice) when nothing clears the threshold so
// callers can distinguish "no data" from "empty prompt section".
func (r *Retriever) FindSimilarConversations(ctx context.Context, mailboxID int64, vector []float32, excludeSlug string) ([]models.SimilarConversation, error) {
	query := `
		SELECT id, slug, mailbox_id, subject, email_from, status, assigned_to_user_id,
		       assigned_to_ai, summary, embedding_text, created_at, updated_at,
		       closed_at, last_user_email_created_at,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM conversations
		WHERE mailbox_id = $2
		  AND embedding IS NOT NULL
		  AND slug != $3
		  AND 1 - (embedding <=> $1::vector) > $4
		ORDER BY similarity DESC
		LIMIT $5
	`
	var results []models.SimilarConversation
	err := r.db.SelectContext(ctx, &results, query,
		VectorLiteral(vector), mailboxID, excludeSlug, SimilarityThreshold, ConversationLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to find similar conversations: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	for i := range results {
		messages, err := database.ListConversationMessages(ctx, r.db, results[i].ID)
		if err != nil {
			return nil, err
		}
		results[i].Messages = messages
	}
	return results, nil
}

// FindSimilarInKnowledgeBank returns up to KnowledgeLimit enabled entries
// above the threshold. An empty slice means no matches; the knowledge bank
// section is simply omitted.
func (r *Retriever) FindSimilarInKnowledgeBank(ctx context.Context, mailboxID int64, vector []float32) ([]models.KnowledgeEntry, error) {
	query := `
		SELECT id, mailbox_id, content, enabled,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM knowledge_entries
		WHERE mailbox_id = $2
		  AND enabled = TRUE
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $1::vector) > $3
		ORDER BY similarity DESC
		LIMIT $4
	`
	var results []models.KnowledgeEntry
	err := r.db.SelectContext(ctx, &results, query,
		VectorLiteral(vector), mailboxID, SimilarityThreshold, KnowledgeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge bank: %w", err)
	}
	if results == nil {
		results = []models.KnowledgeEntry{}
	}
	return results, nil
}

// FindSimilarWebsitePages returns up to WebsitePageLimit pages above the
// threshold belonging to the tenant's non-deleted websites. Pages of a
// soft-deleted website never surface in prompts.
func (r *Retriever) FindSimilarWebsitePages(ctx context.Context, mailboxID int64, vector []float32) ([]models.WebsitePage, error) {
	query := `
		SELECT p.id, p.website_id, p.url, p.title, p.markdown,
		       1 - (p.embedding <=> $1::vector) AS similarity
		FROM website_pages p
		JOIN websites w ON w.id = p.website_id
		WHERE w.mailbox_id = $2
		  AND w.deleted_at IS NULL
		  AND p.embedding IS NOT NULL
		  AND 1 - (p.embedding <=> $1::vector) > $3
		ORDER BY similarity DESC
		LIMIT $4
	`
	var results []models.WebsitePage
	err := r.db.SelectContext(ctx, &results, query,
		VectorLiteral(vector), mailboxID, SimilarityThreshold, WebsitePageLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to find similar website pages: %w", err)
	}
	if results == nil {
		results = []models.WebsitePage{}
	}
	return results, nil
}

// RefreshConversationEmbedding rebuilds a closed conversation's embedding
// from its message history. Runs in the worker after close.
func (r *Retriever) RefreshConversationEmbedding(ctx context.Context, conversationID int64) error {
	conv, err := database.GetConversationByID(ctx, r.db, conversationID)
	if err != nil {
		return err
	}
	messages, err := database.ListConversationMessages(ctx, r.db, conversationID)
	if err != nil {
		return err
	}

	text := ""
	if conv.Subject != nil {
		text = *conv.Subject + "\n"
	}
	for _, msg := range messages {
		if msg.Role != models.RoleUser && msg.Role != models.RoleStaff {
			continue
		}
		cleaned, err := database.EnsureCleanedUpText(ctx, r.db, &msg)
		if err != nil {
			return err
		}
		if cleaned != "" {
			text += string(msg.Role) + ": " + cleaned + "\n"
		}
	}
	if text == "" {
		r.logger.Debug().Int64("conversationId", conversationID).Msg("nothing to embed")
		return nil
	}

	vector, err := r.llm.CreateEmbedding(ctx, conv.MailboxID, "conversation_embedding", text)
	if err != nil {
		return err
	}
	if err := database.SetConversationEmbedding(ctx, r.db, conversationID, text, VectorLiteral(vector)); err != nil {
		return err
	}

	r.refreshConversationSummary(ctx, conv, text)
	return nil
}

// refreshConversationSummary rebuilds the rolling bullet summary from the
// same transcript the embedding was computed from. Best effort: a failed
// summary never fails the refresh job.
func (r *Retriever) refreshConversationSummary(ctx context.Context, conv *models.Conversation, transcript string) {
	var result struct {
		Bullets []string `json:"bullets"`
	}
	err := r.llm.CreateStructured(ctx, llm.CompletionParams{
		MailboxID: conv.MailboxID,
		QueryType: "conversation_summary",
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: `Summarize this support conversation as 1-5 short bullet points: the customer's issue and how it was resolved. Respond with JSON: {"bullets": ["..."]}`,
			},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	}, &result)
	if err != nil || len(result.Bullets) == 0 {
		r.logger.Warn().Err(err).Int64("conversationId", conv.ID).Msg("conversation summary generation failed")
		return
	}
	if err := database.SetConversationSummary(ctx, r.db, conv.ID, result.Bullets); err != nil {
		r.logger.Warn().Err(err).Int64("conversationId", conv.ID).Msg("failed to store conversation summary")
	}
}
