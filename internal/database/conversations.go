package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"helpdesk/internal/jobs"
	"helpdesk/internal/models"
	"helpdesk/internal/realtime"
)

const conversationColumns = `
	id, slug, mailbox_id, subject, email_from, status, assigned_to_user_id,
	assigned_to_ai, summary, embedding_text, created_at, updated_at,
	closed_at, last_user_email_created_at`

// GetConversationBySlug loads one conversation by its public slug.
func GetConversationBySlug(ctx context.Context, q sqlx.ExtContext, slug string) (*models.Conversation, error) {
	var conv models.Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE slug = $1`
	if err := sqlx.GetContext(ctx, q, &conv, query, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", slug, err)
	}
	return &conv, nil
}

// GetConversationByID loads one conversation by primary key.
func GetConversationByID(ctx context.Context, q sqlx.ExtContext, id int64) (*models.Conversation, error) {
	var conv models.Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	if err := sqlx.GetContext(ctx, q, &conv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %d: %w", id, err)
	}
	return &conv, nil
}

// CreateConversation opens a new thread with a generated slug.
func CreateConversation(ctx context.Context, q sqlx.ExtContext, mailboxID int64, subject, emailFrom *string) (*models.Conversation, error) {
	var conv models.Conversation
	query := `
		INSERT INTO conversations (slug, mailbox_id, subject, email_from, status)
		VALUES ($1, $2, $3, $4, 'open')
		RETURNING ` + conversationColumns
	rows, err := q.QueryxContext(ctx, query, uuid.NewString(), mailboxID, subject, emailFrom)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("failed to create conversation: no row returned")
	}
	if err := rows.StructScan(&conv); err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	return &conv, nil
}

// ListConversationMessages returns a conversation's messages oldest-first,
// excluding soft-deleted rows.
func ListConversationMessages(ctx context.Context, q sqlx.ExtContext, conversationID int64) ([]models.Message, error) {
	var messages []models.Message
	query := `
		SELECT id, conversation_id, role, status, body, cleaned_up_text,
		       response_to_id, user_id, email_from, email_cc, metadata,
		       is_perfect, created_at, deleted_at
		FROM messages
		WHERE conversation_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`
	if err := sqlx.SelectContext(ctx, q, &messages, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

// CountUserMessages counts user-authored messages in a conversation. A count
// above one marks the latest message as a follow-up for workflow filtering.
func CountUserMessages(ctx context.Context, q sqlx.ExtContext, conversationID int64) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND role = 'user' AND deleted_at IS NULL`
	if err := sqlx.GetContext(ctx, q, &count, query, conversationID); err != nil {
		return 0, fmt.Errorf("failed to count user messages: %w", err)
	}
	return count, nil
}

// UpdateConversation applies a partial update, recording only fields that
// actually change. The first transition into closed stamps closed_at; the
// stamp is never cleared on reopen. An audit event is written per effective
// change set, an embedding refresh job is staged when the conversation
// closes, an assignment notification job when an assignee is set, and
// realtime updates are staged for post-commit delivery (status changes
// additionally emit a dedicated event).
func UpdateConversation(ctx context.Context, q sqlx.ExtContext, outbox *Outbox, mailbox *models.Mailbox, conv *models.Conversation, req models.UpdateConversationRequest, byUserID *int64) (*models.Conversation, error) {
	changes := models.JSONMap{}
	updated := *conv
	now := time.Now()

	if req.Status != nil {
		next := models.ConversationStatus(*req.Status)
		switch next {
		case models.ConversationOpen, models.ConversationClosed, models.ConversationSpam, models.ConversationEscalated:
		default:
			return nil, fmt.Errorf("invalid conversation status %q", *req.Status)
		}
		if next != conv.Status {
			changes["status"] = string(next)
			updated.Status = next
			if next == models.ConversationClosed && conv.ClosedAt == nil {
				updated.ClosedAt = &now
			}
		}
	}

	if req.AssignedToUserID != nil {
		var next *int64
		if *req.AssignedToUserID > 0 {
			next = req.AssignedToUserID
		}
		if !int64PtrEqual(next, conv.AssignedToUserID) {
			if next == nil {
				changes["assignedToUserId"] = nil
			} else {
				changes["assignedToUserId"] = *next
			}
			updated.AssignedToUserID = next
		}
	}

	if len(changes) == 0 {
		return conv, nil
	}

	updated.UpdatedAt = now
	_, err := q.ExecContext(ctx, `
		UPDATE conversations
		SET status = $1, assigned_to_user_id = $2, closed_at = $3, updated_at = $4
		WHERE id = $5
	`, updated.Status, updated.AssignedToUserID, updated.ClosedAt, updated.UpdatedAt, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation %d: %w", conv.ID, err)
	}

	if err := insertConversationEvent(ctx, q, conv.ID, models.EventUpdate, changes, byUserID, req.Message); err != nil {
		return nil, err
	}

	outbox.PublishEvent(realtime.Event{
		Name:           realtime.EventConversationUpdated,
		MailboxSlug:    mailbox.Slug,
		ConversationID: conv.ID,
		Payload:        map[string]any(changes),
	})
	if assignee, ok := changes["assignedToUserId"]; ok && assignee != nil {
		outbox.EnqueueJob(jobs.EventAssigned, map[string]any{
			"conversationId": conv.ID,
			"userId":         assignee,
		})
	}
	if _, statusChanged := changes["status"]; statusChanged {
		outbox.PublishEvent(realtime.Event{
			Name:           realtime.EventConversationStatusChanged,
			MailboxSlug:    mailbox.Slug,
			ConversationID: conv.ID,
			Payload:        map[string]any{"status": string(updated.Status)},
		})
		if updated.Status == models.ConversationClosed {
			outbox.EnqueueJob(jobs.EventEmbeddingCreate, map[string]any{"conversationId": conv.ID})
		}
	}

	return &updated, nil
}

func insertConversationEvent(ctx context.Context, q sqlx.ExtContext, conversationID int64, eventType models.ConversationEventType, changes models.JSONMap, byUserID *int64, reason *string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversation_events (conversation_id, type, changes, by_user_id, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, conversationID, eventType, changes, byUserID, reason)
	if err != nil {
		return fmt.Errorf("failed to insert conversation event: %w", err)
	}
	return nil
}

// InsertHumanSupportEvent records a request_human_support audit event.
func InsertHumanSupportEvent(ctx context.Context, q sqlx.ExtContext, conversationID int64, reason string) error {
	return insertConversationEvent(ctx, q, conversationID, models.EventRequestHumanSupport, nil, nil, &reason)
}

// SetConversationEmailFrom stores the customer's address once it is known.
func SetConversationEmailFrom(ctx context.Context, q sqlx.ExtContext, conversationID int64, email string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conversations SET email_from = $1, updated_at = NOW() WHERE id = $2
	`, email, conversationID)
	if err != nil {
		return fmt.Errorf("failed to set conversation email: %w", err)
	}
	return nil
}

// ListConversationEvents returns the audit trail newest-first.
func ListConversationEvents(ctx context.Context, q sqlx.ExtContext, conversationID int64) ([]models.ConversationEvent, error) {
	var events []models.ConversationEvent
	query := `
		SELECT id, conversation_id, type, changes, by_user_id, reason, created_at
		FROM conversation_events
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
	`
	if err := sqlx.SelectContext(ctx, q, &events, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list conversation events: %w", err)
	}
	if events == nil {
		events = []models.ConversationEvent{}
	}
	return events, nil
}

// SetConversationEmbedding stores the refreshed embedding text and vector.
func SetConversationEmbedding(ctx context.Context, q sqlx.ExtContext, conversationID int64, text string, vector string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conversations SET embedding_text = $1, embedding = $2::vector, updated_at = NOW() WHERE id = $3
	`, text, vector, conversationID)
	if err != nil {
		return fmt.Errorf("failed to store conversation embedding: %w", err)
	}
	return nil
}

// SetConversationSummary replaces the rolling summary bullet list.
func SetConversationSummary(ctx context.Context, q sqlx.ExtContext, conversationID int64, summary models.StringList) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conversations SET summary = $1, updated_at = NOW() WHERE id = $2
	`, summary, conversationID)
	if err != nil {
		return fmt.Errorf("failed to store conversation summary: %w", err)
	}
	return nil
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
