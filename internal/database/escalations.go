package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"helpdesk/internal/jobs"
	"helpdesk/internal/models"
)

// ErrAlreadyEscalated is returned when a conversation already has an
// unresolved escalation.
var ErrAlreadyEscalated = errors.New("Conversation is already escalated")

// GetActiveEscalation returns the unresolved escalation for a conversation,
// or ErrNotFound.
func GetActiveEscalation(ctx context.Context, q sqlx.ExtContext, conversationID int64) (*models.Escalation, error) {
	var esc models.Escalation
	query := `
		SELECT id, conversation_id, user_id, resolved_at, resolved_by, created_at
		FROM escalations
		WHERE conversation_id = $1 AND resolved_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`
	if err := sqlx.GetContext(ctx, q, &esc, query, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active escalation: %w", err)
	}
	return &esc, nil
}

// CreateEscalation hands a conversation to a human. At most one active
// escalation may exist per conversation; a second attempt fails with
// ErrAlreadyEscalated. The conversation moves to escalated and a
// notification job is staged.
func CreateEscalation(ctx context.Context, q sqlx.ExtContext, outbox *Outbox, mailbox *models.Mailbox, conv *models.Conversation, userID *int64, reason *string) (*models.Escalation, error) {
	if _, err := GetActiveEscalation(ctx, q, conv.ID); err == nil {
		return nil, ErrAlreadyEscalated
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var esc models.Escalation
	query := `
		INSERT INTO escalations (conversation_id, user_id)
		VALUES ($1, $2)
		RETURNING id, conversation_id, user_id, resolved_at, resolved_by, created_at
	`
	rows, err := q.QueryxContext(ctx, query, conv.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("failed to create escalation: no row returned")
	}
	if err := rows.StructScan(&esc); err != nil {
		return nil, fmt.Errorf("failed to scan escalation: %w", err)
	}

	if conv.Status != models.ConversationEscalated {
		escalated := string(models.ConversationEscalated)
		if _, err := UpdateConversation(ctx, q, outbox, mailbox, conv, models.UpdateConversationRequest{
			Status:  &escalated,
			Message: reason,
		}, userID); err != nil {
			return nil, err
		}
	}

	if err := insertConversationEvent(ctx, q, conv.ID, models.EventRequestHumanSupport, nil, userID, reason); err != nil {
		return nil, err
	}

	outbox.EnqueueJob(jobs.EventEscalationCreated, map[string]any{
		"conversationId": conv.ID,
		"escalationId":   esc.ID,
	})

	return &esc, nil
}

// ResolveActiveEscalations marks every unresolved escalation on the
// conversation as handled, recording how it was resolved.
func ResolveActiveEscalations(ctx context.Context, q sqlx.ExtContext, conversationID int64, resolvedBy string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE escalations SET resolved_at = NOW(), resolved_by = $1
		WHERE conversation_id = $2 AND resolved_at IS NULL
	`, resolvedBy, conversationID)
	if err != nil {
		return fmt.Errorf("failed to resolve escalations: %w", err)
	}
	return nil
}
