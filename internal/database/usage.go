package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"helpdesk/internal/models"
)

// InsertAIUsageEvent appends one row to the metering ledger.
func InsertAIUsageEvent(ctx context.Context, q sqlx.ExtContext, event *models.AIUsageEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ai_usage_events (mailbox_id, model_name, query_type, input_tokens, output_tokens, cached_tokens, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.MailboxID, event.ModelName, event.QueryType,
		event.InputTokens, event.OutputTokens, event.CachedTokens, event.Cost)
	if err != nil {
		return fmt.Errorf("failed to insert AI usage event: %w", err)
	}
	return nil
}

// RecordUsage satisfies the metering interface of the LLM client.
func (s *Store) RecordUsage(ctx context.Context, event *models.AIUsageEvent) error {
	return InsertAIUsageEvent(ctx, s.DB, event)
}

// UsageSummary aggregates the ledger per model for a billing window.
type UsageSummary struct {
	ModelName    string  `db:"model_name" json:"modelName"`
	Calls        int     `db:"calls" json:"calls"`
	InputTokens  int64   `db:"input_tokens" json:"inputTokens"`
	OutputTokens int64   `db:"output_tokens" json:"outputTokens"`
	CachedTokens int64   `db:"cached_tokens" json:"cachedTokens"`
	TotalCost    float64 `db:"total_cost" json:"totalCost"`
}

// GetUsageSummary aggregates per-model usage for a mailbox in [from, to).
func GetUsageSummary(ctx context.Context, q sqlx.ExtContext, mailboxID int64, from, to time.Time) ([]UsageSummary, error) {
	var summaries []UsageSummary
	query := `
		SELECT model_name,
		       COUNT(*) AS calls,
		       COALESCE(SUM(input_tokens), 0) AS input_tokens,
		       COALESCE(SUM(output_tokens), 0) AS output_tokens,
		       COALESCE(SUM(cached_tokens), 0) AS cached_tokens,
		       COALESCE(SUM(cost), 0) AS total_cost
		FROM ai_usage_events
		WHERE mailbox_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY model_name
		ORDER BY total_cost DESC
	`
	if err := sqlx.SelectContext(ctx, q, &summaries, query, mailboxID, from, to); err != nil {
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}
	if summaries == nil {
		summaries = []UsageSummary{}
	}
	return summaries, nil
}
