package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"helpdesk/internal/models"
)

// ListWorkflows returns the active workflows for a mailbox in evaluation
// order.
func ListWorkflows(ctx context.Context, q sqlx.ExtContext, mailboxID int64) ([]models.Workflow, error) {
	var workflows []models.Workflow
	query := `
		SELECT id, mailbox_id, name, prompt, action, message, display_order,
		       run_on_replies, auto_reply_from_metadata, assigned_user_id,
		       created_at, deleted_at
		FROM workflows
		WHERE mailbox_id = $1 AND deleted_at IS NULL
		ORDER BY display_order ASC, id ASC
	`
	if err := sqlx.SelectContext(ctx, q, &workflows, query, mailboxID); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	if workflows == nil {
		workflows = []models.Workflow{}
	}
	return workflows, nil
}

// GetWorkflow loads one active workflow scoped to a mailbox.
func GetWorkflow(ctx context.Context, q sqlx.ExtContext, mailboxID, id int64) (*models.Workflow, error) {
	var wf models.Workflow
	query := `
		SELECT id, mailbox_id, name, prompt, action, message, display_order,
		       run_on_replies, auto_reply_from_metadata, assigned_user_id,
		       created_at, deleted_at
		FROM workflows
		WHERE id = $1 AND mailbox_id = $2 AND deleted_at IS NULL
	`
	if err := sqlx.GetContext(ctx, q, &wf, query, id, mailboxID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow %d: %w", id, err)
	}
	return &wf, nil
}

// CreateWorkflow appends a workflow at the end of the evaluation order.
func CreateWorkflow(ctx context.Context, q sqlx.ExtContext, wf *models.Workflow) (*models.Workflow, error) {
	query := `
		INSERT INTO workflows (mailbox_id, name, prompt, action, message, display_order,
		                       run_on_replies, auto_reply_from_metadata, assigned_user_id)
		VALUES ($1, $2, $3, $4, $5,
		        COALESCE((SELECT MAX(display_order) + 1 FROM workflows
		                  WHERE mailbox_id = $1 AND deleted_at IS NULL), 0),
		        $6, $7, $8)
		RETURNING id, mailbox_id, name, prompt, action, message, display_order,
		          run_on_replies, auto_reply_from_metadata, assigned_user_id,
		          created_at, deleted_at
	`
	rows, err := q.QueryxContext(ctx, query,
		wf.MailboxID, wf.Name, wf.Prompt, wf.Action, wf.Message,
		wf.RunOnReplies, wf.AutoReplyFromMetadata, wf.AssignedUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("failed to create workflow: no row returned")
	}
	var created models.Workflow
	if err := rows.StructScan(&created); err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}
	return &created, nil
}

// UpdateWorkflow replaces the editable fields of a workflow.
func UpdateWorkflow(ctx context.Context, q sqlx.ExtContext, wf *models.Workflow) error {
	res, err := q.ExecContext(ctx, `
		UPDATE workflows
		SET name = $1, prompt = $2, action = $3, message = $4,
		    run_on_replies = $5, auto_reply_from_metadata = $6, assigned_user_id = $7
		WHERE id = $8 AND mailbox_id = $9 AND deleted_at IS NULL
	`, wf.Name, wf.Prompt, wf.Action, wf.Message,
		wf.RunOnReplies, wf.AutoReplyFromMetadata, wf.AssignedUserID,
		wf.ID, wf.MailboxID)
	if err != nil {
		return fmt.Errorf("failed to update workflow %d: %w", wf.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkflow soft-deletes a workflow and renormalizes the remaining
// evaluation order to a dense 0..n sequence.
func DeleteWorkflow(ctx context.Context, q sqlx.ExtContext, mailboxID, id int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE workflows SET deleted_at = NOW()
		WHERE id = $1 AND mailbox_id = $2 AND deleted_at IS NULL
	`, id, mailboxID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return renormalizeWorkflowOrder(ctx, q, mailboxID)
}

// ReorderWorkflows applies the given id sequence as the new evaluation
// order. Active workflows missing from the sequence keep their relative
// order after the listed ones.
func ReorderWorkflows(ctx context.Context, q sqlx.ExtContext, mailboxID int64, workflowIDs []int64) error {
	for i, id := range workflowIDs {
		_, err := q.ExecContext(ctx, `
			UPDATE workflows SET display_order = $1
			WHERE id = $2 AND mailbox_id = $3 AND deleted_at IS NULL
		`, i, id, mailboxID)
		if err != nil {
			return fmt.Errorf("failed to reorder workflow %d: %w", id, err)
		}
	}
	if len(workflowIDs) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		UPDATE workflows SET display_order = display_order + $1
		WHERE mailbox_id = $2 AND deleted_at IS NULL AND id != ALL($3)
	`, len(workflowIDs), mailboxID, pq.Array(workflowIDs))
	if err != nil {
		return fmt.Errorf("failed to shift unlisted workflows: %w", err)
	}
	return renormalizeWorkflowOrder(ctx, q, mailboxID)
}

// renormalizeWorkflowOrder rewrites display_order as a dense 0..n sequence
// preserving the current relative order.
func renormalizeWorkflowOrder(ctx context.Context, q sqlx.ExtContext, mailboxID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE workflows w
		SET display_order = ranked.rank
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY display_order ASC, id ASC) - 1 AS rank
			FROM workflows
			WHERE mailbox_id = $1 AND deleted_at IS NULL
		) ranked
		WHERE w.id = ranked.id
	`, mailboxID)
	if err != nil {
		return fmt.Errorf("failed to renormalize workflow order: %w", err)
	}
	return nil
}

// CreateWorkflowRun writes the audit record for one firing. The unique
// (workflow_id, message_id) constraint makes the write idempotent: a
// redelivered job reports inserted=false and the engine skips re-running
// the actions.
func CreateWorkflowRun(ctx context.Context, q sqlx.ExtContext, run *models.WorkflowRun) (bool, error) {
	query := `
		INSERT INTO workflow_runs (workflow_id, message_id, conversation_id, mailbox_id, snapshot, outcomes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, message_id) DO NOTHING
		RETURNING id
	`
	rows, err := q.QueryxContext(ctx, query,
		run.WorkflowID, run.MessageID, run.ConversationID, run.MailboxID, run.Snapshot, run.Outcomes)
	if err != nil {
		return false, fmt.Errorf("failed to create workflow run: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return false, nil
	}
	if err := rows.Scan(&run.ID); err != nil {
		return false, fmt.Errorf("failed to scan workflow run id: %w", err)
	}
	return true, nil
}

// UpdateWorkflowRunOutcomes stores the per-action results after execution.
func UpdateWorkflowRunOutcomes(ctx context.Context, q sqlx.ExtContext, runID int64, outcomes models.ActionOutcomes) error {
	_, err := q.ExecContext(ctx, `UPDATE workflow_runs SET outcomes = $1 WHERE id = $2`, outcomes, runID)
	if err != nil {
		return fmt.Errorf("failed to update workflow run outcomes: %w", err)
	}
	return nil
}

// ListWorkflowRuns returns the run history for a conversation newest-first.
func ListWorkflowRuns(ctx context.Context, q sqlx.ExtContext, conversationID int64) ([]models.WorkflowRun, error) {
	var runs []models.WorkflowRun
	query := `
		SELECT id, workflow_id, message_id, conversation_id, mailbox_id, snapshot, outcomes, created_at
		FROM workflow_runs
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
	`
	if err := sqlx.SelectContext(ctx, q, &runs, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	if runs == nil {
		runs = []models.WorkflowRun{}
	}
	return runs, nil
}
