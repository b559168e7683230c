package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// CreateTables bootstraps the schema on PostgreSQL. Statements are
// idempotent so repeated startup is safe. Embedding columns use pgvector.
func CreateTables(ctx context.Context, db *sqlx.DB) error {
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS organizations (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			paid BOOLEAN NOT NULL DEFAULT FALSE,
			trial_replies_limit INT NOT NULL DEFAULT 100,
			automated_replies_on BOOLEAN NOT NULL DEFAULT TRUE,
			automated_replies_count INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS mailboxes (
			id BIGSERIAL PRIMARY KEY,
			slug VARCHAR(64) UNIQUE NOT NULL,
			name TEXT NOT NULL,
			organization_id BIGINT NOT NULL REFERENCES organizations(id),
			writing_rules TEXT,
			escalation_body TEXT,
			auto_respond_to_chat BOOLEAN NOT NULL DEFAULT FALSE,
			widget_host TEXT,
			style_linter_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			prompt_updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			slug VARCHAR(36) UNIQUE NOT NULL,
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
			subject TEXT,
			email_from TEXT,
			status VARCHAR(16) NOT NULL DEFAULT 'open',
			assigned_to_user_id BIGINT,
			assigned_to_ai BOOLEAN NOT NULL DEFAULT FALSE,
			summary JSONB,
			embedding_text TEXT,
			embedding vector(1536),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ,
			last_user_email_created_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_mailbox_status ON conversations(mailbox_id, status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			role VARCHAR(16) NOT NULL,
			status VARCHAR(16),
			body TEXT,
			cleaned_up_text TEXT,
			response_to_id BIGINT,
			user_id BIGINT,
			email_from TEXT,
			email_cc JSONB,
			metadata JSONB NOT NULL DEFAULT '{}',
			is_perfect BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS conversation_events (
			id BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			type VARCHAR(32) NOT NULL,
			changes JSONB,
			by_user_id BIGINT,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id BIGSERIAL PRIMARY KEY,
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
			name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			action VARCHAR(32) NOT NULL,
			message TEXT,
			display_order INT NOT NULL,
			run_on_replies BOOLEAN NOT NULL DEFAULT FALSE,
			auto_reply_from_metadata BOOLEAN NOT NULL DEFAULT FALSE,
			assigned_user_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id BIGSERIAL PRIMARY KEY,
			workflow_id BIGINT NOT NULL REFERENCES workflows(id),
			message_id BIGINT NOT NULL REFERENCES messages(id),
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
			snapshot JSONB NOT NULL,
			outcomes JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (workflow_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			id BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			user_id BIGINT,
			resolved_at TIMESTAMPTZ,
			resolved_by TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_active ON escalations(conversation_id) WHERE resolved_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS ai_usage_events (
			id BIGSERIAL PRIMARY KEY,
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
			model_name VARCHAR(64) NOT NULL,
			query_type VARCHAR(64) NOT NULL,
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			cached_tokens INT NOT NULL DEFAULT 0,
			cost NUMERIC(12, 7) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_entries (
			id BIGSERIAL PRIMARY KEY,
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
			content TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			embedding vector(1536)
		)`,
		`CREATE TABLE IF NOT EXISTS websites (
			id BIGSERIAL PRIMARY KEY,
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
			url TEXT NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS website_pages (
			id BIGSERIAL PRIMARY KEY,
			website_id BIGINT NOT NULL REFERENCES websites(id),
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			markdown TEXT NOT NULL DEFAULT '',
			embedding vector(1536)
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_endpoints (
			id BIGSERIAL PRIMARY KEY,
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
			url TEXT NOT NULL,
			hmac_secret TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS mailbox_tools (
			id BIGSERIAL PRIMARY KEY,
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
			slug VARCHAR(64) NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			request_method VARCHAR(8) NOT NULL DEFAULT 'GET',
			auth_token TEXT,
			parameters JSONB NOT NULL DEFAULT '[]',
			customer_email_param TEXT,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS style_examples (
			id BIGSERIAL PRIMARY KEY,
			mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
			before_text TEXT NOT NULL,
			after_text TEXT NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
