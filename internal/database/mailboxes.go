package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"helpdesk/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// GetMailboxBySlug loads one mailbox by its public slug.
func GetMailboxBySlug(ctx context.Context, q sqlx.ExtContext, slug string) (*models.Mailbox, error) {
	var mailbox models.Mailbox
	query := `
		SELECT id, slug, name, organization_id, writing_rules, escalation_body,
		       auto_respond_to_chat, widget_host, style_linter_enabled,
		       prompt_updated_at, created_at, deleted_at
		FROM mailboxes
		WHERE slug = $1 AND deleted_at IS NULL
	`
	if err := sqlx.GetContext(ctx, q, &mailbox, query, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mailbox %s: %w", slug, err)
	}
	return &mailbox, nil
}

// GetMailboxByID loads one mailbox by primary key.
func GetMailboxByID(ctx context.Context, q sqlx.ExtContext, id int64) (*models.Mailbox, error) {
	var mailbox models.Mailbox
	query := `
		SELECT id, slug, name, organization_id, writing_rules, escalation_body,
		       auto_respond_to_chat, widget_host, style_linter_enabled,
		       prompt_updated_at, created_at, deleted_at
		FROM mailboxes
		WHERE id = $1 AND deleted_at IS NULL
	`
	if err := sqlx.GetContext(ctx, q, &mailbox, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mailbox %d: %w", id, err)
	}
	return &mailbox, nil
}

// GetOrganization loads the billing state for a mailbox's owner.
func GetOrganization(ctx context.Context, q sqlx.ExtContext, id int64) (*models.Organization, error) {
	var org models.Organization
	query := `
		SELECT id, name, paid, trial_replies_limit, automated_replies_on, automated_replies_count
		FROM organizations
		WHERE id = $1
	`
	if err := sqlx.GetContext(ctx, q, &org, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization %d: %w", id, err)
	}
	return &org, nil
}

// IncrementAutomatedReplies bumps the trial usage counter after a
// reply-producing workflow action fires.
func IncrementAutomatedReplies(ctx context.Context, q sqlx.ExtContext, orgID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE organizations SET automated_replies_count = automated_replies_count + 1 WHERE id = $1`, orgID)
	if err != nil {
		return fmt.Errorf("failed to increment automated replies: %w", err)
	}
	return nil
}

// GetMetadataEndpoint returns the enabled metadata endpoint for a mailbox,
// or ErrNotFound when none is configured.
func GetMetadataEndpoint(ctx context.Context, q sqlx.ExtContext, mailboxID int64) (*models.MetadataEndpoint, error) {
	var endpoint models.MetadataEndpoint
	query := `
		SELECT id, mailbox_id, url, hmac_secret, enabled, deleted_at
		FROM metadata_endpoints
		WHERE mailbox_id = $1 AND enabled = TRUE AND deleted_at IS NULL
		LIMIT 1
	`
	if err := sqlx.GetContext(ctx, q, &endpoint, query, mailboxID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get metadata endpoint: %w", err)
	}
	return &endpoint, nil
}

// ListMailboxTools returns the enabled tenant tools for a mailbox.
func ListMailboxTools(ctx context.Context, q sqlx.ExtContext, mailboxID int64) ([]models.MailboxTool, error) {
	var tools []models.MailboxTool
	query := `
		SELECT id, mailbox_id, slug, name, description, url, request_method,
		       auth_token, parameters, customer_email_param, enabled, deleted_at
		FROM mailbox_tools
		WHERE mailbox_id = $1 AND enabled = TRUE AND deleted_at IS NULL
		ORDER BY id
	`
	if err := sqlx.SelectContext(ctx, q, &tools, query, mailboxID); err != nil {
		return nil, fmt.Errorf("failed to list mailbox tools: %w", err)
	}
	if tools == nil {
		tools = []models.MailboxTool{}
	}
	return tools, nil
}

// ListStyleExamples returns the before/after pairs used by the style linter.
func ListStyleExamples(ctx context.Context, q sqlx.ExtContext, mailboxID int64) ([]models.StyleExample, error) {
	var examples []models.StyleExample
	query := `
		SELECT id, mailbox_id, before_text, after_text
		FROM style_examples
		WHERE mailbox_id = $1
		ORDER BY id
	`
	if err := sqlx.SelectContext(ctx, q, &examples, query, mailboxID); err != nil {
		return nil, fmt.Errorf("failed to list style examples: %w", err)
	}
	return examples, nil
}
