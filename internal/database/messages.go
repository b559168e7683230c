package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"helpdesk/internal/jobs"
	"helpdesk/internal/models"
	"helpdesk/internal/realtime"
	"helpdesk/internal/utils"
)

const messageColumns = `
	id, conversation_id, role, status, body, cleaned_up_text, response_to_id,
	user_id, email_from, email_cc, metadata, is_perfect, created_at, deleted_at`

// undoWindow is how long an outbound reply sits in queueing before the
// worker actually sends it.
const undoWindow = 15 * time.Second

func insertMessage(ctx context.Context, q sqlx.ExtContext, msg *models.Message) (*models.Message, error) {
	query := `
		INSERT INTO messages (conversation_id, role, status, body, cleaned_up_text,
		                      response_to_id, user_id, email_from, email_cc, metadata, is_perfect)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + messageColumns
	rows, err := q.QueryxContext(ctx, query,
		msg.ConversationID, msg.Role, msg.Status, msg.Body, msg.CleanedUpText,
		msg.ResponseToID, msg.UserID, msg.EmailFrom, msg.EmailCc, msg.Metadata, msg.IsPerfect)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("failed to insert message: no row returned")
	}
	var created models.Message
	if err := rows.StructScan(&created); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return &created, nil
}

// GetMessageByID loads one message by primary key.
func GetMessageByID(ctx context.Context, q sqlx.ExtContext, id int64) (*models.Message, error) {
	var msg models.Message
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 AND deleted_at IS NULL`
	if err := sqlx.GetContext(ctx, q, &msg, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return &msg, nil
}

// CreateUserMessage records an inbound customer message, bumps the
// conversation's inbound timestamp and stages the automation pipeline job.
func CreateUserMessage(ctx context.Context, q sqlx.ExtContext, outbox *Outbox, conv *models.Conversation, body string, emailFrom *string) (*models.Message, error) {
	cleaned := utils.GenerateCleanedUpText(body)
	msg, err := insertMessage(ctx, q, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Body:           &body,
		CleanedUpText:  &cleaned,
		EmailFrom:      emailFrom,
	})
	if err != nil {
		return nil, err
	}

	_, err = q.ExecContext(ctx, `
		UPDATE conversations SET last_user_email_created_at = $1, updated_at = $1 WHERE id = $2
	`, msg.CreatedAt, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to bump conversation timestamps: %w", err)
	}

	outbox.EnqueueJob(jobs.EventMessageCreated, map[string]any{
		"conversationId": conv.ID,
		"messageId":      msg.ID,
	})
	return msg, nil
}

// CreateReply records a staff reply and performs the bookkeeping that hangs
// off it: the conversation is assigned to the author if unassigned, active
// escalations are resolved by email, every pending AI draft is discarded,
// the conversation closes unless it is spam or the caller opted out, and
// delivery is staged behind a short undo window. A reply that reproduces
// the latest pending draft verbatim is stored with is_perfect set, so draft
// quality can be measured off the replies themselves.
func CreateReply(ctx context.Context, q sqlx.ExtContext, outbox *Outbox, mailbox *models.Mailbox, conv *models.Conversation, req models.ReplyRequest, userID int64) (*models.Message, error) {
	if conv.AssignedToUserID == nil {
		_, err := q.ExecContext(ctx,
			`UPDATE conversations SET assigned_to_user_id = $1, updated_at = NOW() WHERE id = $2`, userID, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to assign conversation: %w", err)
		}
		conv.AssignedToUserID = &userID
	}

	lastDraft, err := GetLastAIGeneratedDraft(ctx, q, conv.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	isPerfect := lastDraft != nil && lastDraft.Body != nil &&
		utils.NormalizeForComparison(*lastDraft.Body) == utils.NormalizeForComparison(req.Message)

	status := models.StatusQueueing
	cleaned := utils.GenerateCleanedUpText(req.Message)
	msg, err := insertMessage(ctx, q, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleStaff,
		Status:         &status,
		Body:           &req.Message,
		CleanedUpText:  &cleaned,
		ResponseToID:   req.ResponseToID,
		UserID:         &userID,
		EmailCc:        req.Cc,
		IsPerfect:      isPerfect,
	})
	if err != nil {
		return nil, err
	}

	if err := ResolveActiveEscalations(ctx, q, conv.ID, "email"); err != nil {
		return nil, err
	}

	if err := DiscardAIDrafts(ctx, q, conv.ID); err != nil {
		return nil, err
	}

	shouldClose := req.Close == nil || *req.Close
	if shouldClose && conv.Status != models.ConversationSpam {
		closedStatus := string(models.ConversationClosed)
		if _, err := UpdateConversation(ctx, q, outbox, mailbox, conv, models.UpdateConversationRequest{
			Status: &closedStatus,
		}, &userID); err != nil {
			return nil, err
		}
	}

	outbox.EnqueueJob(jobs.EventEmailEnqueued, map[string]any{
		"messageId": msg.ID,
	}, jobs.WithDelayUntil(time.Now().Add(undoWindow)))

	return msg, nil
}

// CreateAIDraft stores a generated draft and announces it to the dashboard.
func CreateAIDraft(ctx context.Context, q sqlx.ExtContext, outbox *Outbox, mailbox *models.Mailbox, conv *models.Conversation, body string, metadata models.MessageMetadata) (*models.Message, error) {
	status := models.StatusDraft
	cleaned := utils.GenerateCleanedUpText(body)
	msg, err := insertMessage(ctx, q, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAIAssistant,
		Status:         &status,
		Body:           &body,
		CleanedUpText:  &cleaned,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, err
	}

	outbox.PublishEvent(realtime.Event{
		Name:           realtime.EventDraftCreated,
		MailboxSlug:    mailbox.Slug,
		ConversationID: conv.ID,
		Payload:        map[string]any{"messageId": msg.ID},
	})
	return msg, nil
}

// GetLastAIGeneratedDraft returns the newest pending AI draft, or
// ErrNotFound when none exists.
func GetLastAIGeneratedDraft(ctx context.Context, q sqlx.ExtContext, conversationID int64) (*models.Message, error) {
	var msg models.Message
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1 AND role = 'ai_assistant' AND status = 'draft' AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	if err := sqlx.GetContext(ctx, q, &msg, query, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get last AI draft: %w", err)
	}
	return &msg, nil
}

// DiscardAIDrafts marks every pending AI draft in the conversation as
// discarded. Called whenever a human reply supersedes them.
func DiscardAIDrafts(ctx context.Context, q sqlx.ExtContext, conversationID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE messages SET status = 'discarded'
		WHERE conversation_id = $1 AND role = 'ai_assistant' AND status = 'draft'
	`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to discard AI drafts: %w", err)
	}
	return nil
}

// CreateToolEvent records a tool invocation as a conversation message so
// the dashboard timeline shows what the assistant did.
func CreateToolEvent(ctx context.Context, q sqlx.ExtContext, conversationID int64, metadata models.MessageMetadata, body string) (*models.Message, error) {
	cleaned := utils.CleanUpTextForAI(body)
	return insertMessage(ctx, q, &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleTool,
		Body:           &body,
		CleanedUpText:  &cleaned,
		Metadata:       metadata,
	})
}

// CreateWorkflowMessage records an automated reply sent by a workflow
// action. Status starts at queueing like a staff reply.
func CreateWorkflowMessage(ctx context.Context, q sqlx.ExtContext, outbox *Outbox, conversationID int64, body string) (*models.Message, error) {
	status := models.StatusQueueing
	cleaned := utils.GenerateCleanedUpText(body)
	msg, err := insertMessage(ctx, q, &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleWorkflow,
		Status:         &status,
		Body:           &body,
		CleanedUpText:  &cleaned,
	})
	if err != nil {
		return nil, err
	}
	outbox.EnqueueJob(jobs.EventEmailEnqueued, map[string]any{"messageId": msg.ID})
	return msg, nil
}

// CreateAssistantMessage stores a finished AI chat answer.
func CreateAssistantMessage(ctx context.Context, q sqlx.ExtContext, conversationID int64, body string, status models.MessageStatus) (*models.Message, error) {
	cleaned := utils.GenerateCleanedUpText(body)
	return insertMessage(ctx, q, &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAIAssistant,
		Status:         &status,
		Body:           &body,
		CleanedUpText:  &cleaned,
	})
}

// CreateNote records an internal note on the conversation. Notes are never
// delivered to the customer.
func CreateNote(ctx context.Context, q sqlx.ExtContext, conversationID int64, body string, userID *int64) (*models.Message, error) {
	cleaned := utils.GenerateCleanedUpText(body)
	return insertMessage(ctx, q, &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleWorkflow,
		Body:           &body,
		CleanedUpText:  &cleaned,
		UserID:         userID,
	})
}

// SetMessageStatus moves an outbound message through its delivery states.
func SetMessageStatus(ctx context.Context, q sqlx.ExtContext, messageID int64, status models.MessageStatus) error {
	_, err := q.ExecContext(ctx, `UPDATE messages SET status = $1 WHERE id = $2`, status, messageID)
	if err != nil {
		return fmt.Errorf("failed to set message status: %w", err)
	}
	return nil
}

// EnsureCleanedUpText returns the cached plain-text form of a message,
// deriving and persisting it on first access.
func EnsureCleanedUpText(ctx context.Context, q sqlx.ExtContext, msg *models.Message) (string, error) {
	if msg.CleanedUpText != nil {
		return *msg.CleanedUpText, nil
	}
	body := ""
	if msg.Body != nil {
		body = *msg.Body
	}
	cleaned := utils.GenerateCleanedUpText(body)
	_, err := q.ExecContext(ctx, `UPDATE messages SET cleaned_up_text = $1 WHERE id = $2`, cleaned, msg.ID)
	if err != nil {
		return "", fmt.Errorf("failed to cache cleaned up text: %w", err)
	}
	msg.CleanedUpText = &cleaned
	return cleaned, nil
}
