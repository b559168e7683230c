package workflows

import (
	"context"

	"github.com/rs/zerolog"

	"helpdesk/internal/database"
	"helpdesk/internal/jobs"
	"helpdesk/internal/models"
)

// Pipeline is the inbound message automation entry point, driven by the
// worker off the message.created event.
type Pipeline struct {
	store     *database.Store
	evaluator *Evaluator
	engine    *Engine
	logger    zerolog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(store *database.Store, evaluator *Evaluator, engine *Engine, logger zerolog.Logger) *Pipeline {
	return &Pipeline{store: store, evaluator: evaluator, engine: engine, logger: logger}
}

// RespondToMessage evaluates the tenant's workflows against a new inbound
// message in priority order; the first match wins and its workflow fires.
// Follow-up messages only consider workflows with runOnReplies set. When
// nothing matches and the mailbox has auto-respond enabled, a response
// generation job is staged instead.
func (p *Pipeline) RespondToMessage(ctx context.Context, conversationID, messageID int64) error {
	conv, err := database.GetConversationByID(ctx, p.store.DB, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == models.ConversationSpam {
		p.logger.Debug().Int64("conversationId", conversationID).Msg("conversation is spam, skipping automation")
		return nil
	}

	mailbox, err := database.GetMailboxByID(ctx, p.store.DB, conv.MailboxID)
	if err != nil {
		return err
	}
	message, err := database.GetMessageByID(ctx, p.store.DB, messageID)
	if err != nil {
		return err
	}

	userMessageCount, err := database.CountUserMessages(ctx, p.store.DB, conversationID)
	if err != nil {
		return err
	}
	isFollowUp := userMessageCount > 1

	candidates, err := database.ListWorkflows(ctx, p.store.DB, mailbox.ID)
	if err != nil {
		return err
	}

	text, err := database.EnsureCleanedUpText(ctx, p.store.DB, message)
	if err != nil {
		return err
	}

	for i := range candidates {
		wf := &candidates[i]
		if isFollowUp && !wf.RunOnReplies {
			continue
		}

		matched, err := p.evaluator.Evaluate(ctx, mailbox.ID, wf.Prompt, text)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}

		p.logger.Info().
			Int64("workflowId", wf.ID).
			Int64("conversationId", conversationID).
			Str("workflow", wf.Name).
			Msg("workflow matched")
		return p.engine.Execute(ctx, wf, mailbox, conv, messageID)
	}

	if mailbox.AutoRespondToChat {
		return p.store.Jobs.Enqueue(ctx, jobs.EventAutoResponseCreate, map[string]any{
			"conversationId": conversationID,
			"messageId":      messageID,
		})
	}
	return nil
}
