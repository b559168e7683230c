package workflows

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"helpdesk/internal/config"
	"helpdesk/internal/database"
	"helpdesk/internal/metadata"
	"helpdesk/internal/models"
	"helpdesk/internal/responder"
)

// Engine executes matched workflows. Actions run strictly in declared
// order; the first failure halts the chain and the partial result is the
// recorded outcome, never rolled back. Exactly one WorkflowRun row exists
// per (workflow, message), enforced by a unique constraint, which makes
// redelivered jobs no-ops.
type Engine struct {
	store     *database.Store
	responder *responder.Responder
	metadata  *metadata.Client
	cfg       *config.Config
	logger    zerolog.Logger
}

// NewEngine creates an engine.
func NewEngine(store *database.Store, rsp *responder.Responder, metadataClient *metadata.Client, cfg *config.Config, logger zerolog.Logger) *Engine {
	return &Engine{store: store, responder: rsp, metadata: metadataClient, cfg: cfg, logger: logger}
}

// ResolveActions lowers a workflow's configured action into the ordered
// low-level actions the engine executes. Reply actions come before the
// status change so the customer gets the reply even if the status update
// later fails.
func ResolveActions(wf *models.Workflow) []models.ResolvedAction {
	message := ""
	if wf.Message != nil {
		message = *wf.Message
	}
	reply := models.ResolvedAction{Type: models.ResolvedSendEmail, Value: message}
	if wf.AutoReplyFromMetadata {
		reply = models.ResolvedAction{Type: models.ResolvedSendReplyFromMetadata}
	}

	switch wf.Action {
	case models.ActionCloseTicket:
		return []models.ResolvedAction{
			{Type: models.ResolvedChangeHelperStatus, Value: string(models.ConversationClosed)},
		}
	case models.ActionMarkSpam:
		return []models.ResolvedAction{
			{Type: models.ResolvedChangeHelperStatus, Value: string(models.ConversationSpam)},
		}
	case models.ActionReplyAndClose:
		return []models.ResolvedAction{
			reply,
			{Type: models.ResolvedChangeHelperStatus, Value: string(models.ConversationClosed)},
		}
	case models.ActionReplyAndSetOpen:
		return []models.ResolvedAction{
			reply,
			{Type: models.ResolvedChangeHelperStatus, Value: string(models.ConversationOpen)},
		}
	case models.ActionAssignUser:
		value := ""
		if wf.AssignedUserID != nil {
			value = strconv.FormatInt(*wf.AssignedUserID, 10)
		}
		return []models.ResolvedAction{
			{Type: models.ResolvedAssignUser, Value: value},
		}
	default:
		// Unknown actions are surfaced to RunAction, which logs and fails
		// the chain rather than silently skipping.
		return []models.ResolvedAction{
			{Type: models.ResolvedActionType(wf.Action)},
		}
	}
}

// Execute fires one workflow for one message. The run row is written first
// so a concurrent or redelivered execution is detected before any action
// runs; outcomes are filled in afterwards.
func (e *Engine) Execute(ctx context.Context, wf *models.Workflow, mailbox *models.Mailbox, conv *models.Conversation, messageID int64) error {
	actions := ResolveActions(wf)

	run := &models.WorkflowRun{
		WorkflowID:     wf.ID,
		MessageID:      messageID,
		ConversationID: conv.ID,
		MailboxID:      mailbox.ID,
		Snapshot: models.WorkflowSnapshot{
			Name:                  wf.Name,
			Prompt:                wf.Prompt,
			Action:                wf.Action,
			Message:               wf.Message,
			RunOnReplies:          wf.RunOnReplies,
			AutoReplyFromMetadata: wf.AutoReplyFromMetadata,
		},
	}

	inserted, err := database.CreateWorkflowRun(ctx, e.store.DB, run)
	if err != nil {
		return err
	}
	if !inserted {
		e.logger.Info().
			Int64("workflowId", wf.ID).
			Int64("messageId", messageID).
			Msg("workflow already ran for this message, skipping")
		return nil
	}

	outcomes := make(models.ActionOutcomes, 0, len(actions))
	halted := false
	for _, action := range actions {
		if halted {
			outcomes = append(outcomes, models.ActionOutcome{Action: action, Attempted: false})
			continue
		}

		err := e.runAction(ctx, action, mailbox, conv)
		succeeded := err == nil
		outcomes = append(outcomes, models.ActionOutcome{Action: action, Attempted: true, Succeeded: succeeded})
		if err != nil {
			e.logger.Warn().
				Err(err).
				Int64("workflowId", wf.ID).
				Str("action", string(action.Type)).
				Msg("workflow action failed, halting chain")
			halted = true
		}
	}

	return database.UpdateWorkflowRunOutcomes(ctx, e.store.DB, run.ID, outcomes)
}

// runAction executes one resolved action in its own transaction. Actions
// are side-effecting and never retried.
func (e *Engine) runAction(ctx context.Context, action models.ResolvedAction, mailbox *models.Mailbox, conv *models.Conversation) error {
	switch action.Type {
	case models.ResolvedSendEmail:
		return e.sendReply(ctx, mailbox, conv, func(context.Context) (string, error) {
			if action.Value == "" {
				return "", fmt.Errorf("workflow reply action has no message configured")
			}
			return action.Value, nil
		})

	case models.ResolvedSendReplyFromMetadata:
		return e.sendReply(ctx, mailbox, conv, func(ctx context.Context) (string, error) {
			if conv.EmailFrom == nil || *conv.EmailFrom == "" {
				return "", fmt.Errorf("cannot fetch metadata: customer email unknown")
			}
			endpoint, err := database.GetMetadataEndpoint(ctx, e.store.DB, mailbox.ID)
			if err != nil {
				return "", fmt.Errorf("metadata endpoint unavailable: %w", err)
			}
			text, err := e.metadata.Fetch(ctx, endpoint, *conv.EmailFrom)
			if err != nil {
				return "", fmt.Errorf("metadata fetch failed: %w", err)
			}
			return e.responder.GenerateWorkflowReply(ctx, mailbox, conv, text)
		})

	case models.ResolvedChangeHelperStatus:
		status := action.Value
		return e.store.InTx(ctx, func(tx *sqlx.Tx, outbox *database.Outbox) error {
			updated, err := database.UpdateConversation(ctx, tx, outbox, mailbox, conv, models.UpdateConversationRequest{
				Status: &status,
			}, nil)
			if err != nil {
				return err
			}
			*conv = *updated
			return nil
		})

	case models.ResolvedAssignUser:
		userID, err := strconv.ParseInt(action.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid assignee %q: %w", action.Value, err)
		}
		return e.store.InTx(ctx, func(tx *sqlx.Tx, outbox *database.Outbox) error {
			updated, err := database.UpdateConversation(ctx, tx, outbox, mailbox, conv, models.UpdateConversationRequest{
				AssignedToUserID: &userID,
			}, nil)
			if err != nil {
				return err
			}
			*conv = *updated
			return nil
		})

	case models.ResolvedAddNote:
		return e.store.InTx(ctx, func(tx *sqlx.Tx, _ *database.Outbox) error {
			_, err := database.CreateNote(ctx, tx, conv.ID, action.Value, nil)
			return err
		})

	default:
		return fmt.Errorf("unknown workflow action type %q", action.Type)
	}
}

// sendReply runs the organization eligibility gate, composes the body and
// sends it. The gate runs immediately before composition so an ineligible
// tenant never spends an LLM call.
func (e *Engine) sendReply(ctx context.Context, mailbox *models.Mailbox, conv *models.Conversation, compose func(context.Context) (string, error)) error {
	org, err := database.GetOrganization(ctx, e.store.DB, mailbox.OrganizationID)
	if err != nil {
		return err
	}
	if !org.CanSendAutomatedReplies() {
		return errors.New("organization cannot send automated replies")
	}

	body, err := compose(ctx)
	if err != nil {
		return err
	}

	return e.store.InTx(ctx, func(tx *sqlx.Tx, outbox *database.Outbox) error {
		if _, err := database.CreateWorkflowMessage(ctx, tx, outbox, conv.ID, body); err != nil {
			return err
		}
		return database.IncrementAutomatedReplies(ctx, tx, mailbox.OrganizationID)
	})
}
