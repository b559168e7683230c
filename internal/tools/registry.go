// Package tools builds the function-calling surface exposed to the LLM:
// knowledge base search, session email capture, human escalation, customer
// metadata lookup and tenant-defined HTTP integrations. Tool failures are
// absorbed here; the model sees a generic failure message and the chat
// stream never breaks on a bad tool.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"helpdesk/internal/database"
	"helpdesk/internal/embeddings"
	"helpdesk/internal/jobs"
	"helpdesk/internal/metadata"
	"helpdesk/internal/models"
)

// failureMessage is what the model sees when a tool errors. Details go to
// the tool event and the logs, never to the model or the end user.
const failureMessage = "The tool could not be executed. Continue helping the customer without it."

// Executor runs one tool call.
type Executor func(ctx context.Context, args map[string]any) (string, error)

// Tool is one function exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Execute     Executor
}

// Registry builds per-conversation tool sets.
type Registry struct {
	store     *database.Store
	retriever *embeddings.Retriever
	metadata  *metadata.Client
	logger    zerolog.Logger
}

// NewRegistry creates a registry.
func NewRegistry(store *database.Store, retriever *embeddings.Retriever, metadataClient *metadata.Client, logger zerolog.Logger) *Registry {
	return &Registry{store: store, retriever: retriever, metadata: metadataClient, logger: logger}
}

// BuildOptions controls which optional tools are included.
type BuildOptions struct {
	IncludeHumanSupport bool
	IncludeMailboxTools bool
}

// BuildTools assembles the tool set for one conversation. The knowledge
// base tool is always present; set_user_email only for anonymous sessions;
// request_human_support and fetch_user_information per options and
// configuration; plus one tool per enabled tenant HTTP integration.
func (r *Registry) BuildTools(ctx context.Context, mailbox *models.Mailbox, conv *models.Conversation, email *string, opts BuildOptions) (map[string]*Tool, error) {
	set := map[string]*Tool{}

	kb := &Tool{
		Name:        "search_knowledge_base",
		Description: "Search the support knowledge base for facts relevant to the customer's question.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "What to search for"},
			},
			"required": []string{"query"},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("query is required")
			}
			vector, err := r.retriever.Embed(ctx, mailbox.ID, query)
			if err != nil {
				return "", err
			}
			entries, err := r.retriever.FindSimilarInKnowledgeBank(ctx, mailbox.ID, vector)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "No relevant information found in the knowledge base.", nil
			}
			var parts []string
			for _, e := range entries {
				parts = append(parts, e.Content)
			}
			return strings.Join(parts, "\n\n"), nil
		},
	}
	set[kb.Name] = r.recorded(conv.ID, kb)

	if email == nil || *email == "" {
		setEmail := &Tool{
			Name:        "set_user_email",
			Description: "Store the customer's email address once they provide it, so the team can follow up.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"email": map[string]any{"type": "string", "description": "The customer's email address"},
				},
				"required": []string{"email"},
			},
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				addr, _ := args["email"].(string)
				if !strings.Contains(addr, "@") {
					return "", fmt.Errorf("invalid email address")
				}
				if err := database.SetConversationEmailFrom(ctx, r.store.DB, conv.ID, addr); err != nil {
					return "", err
				}
				return "Email saved.", nil
			},
		}
		set[setEmail.Name] = r.recorded(conv.ID, setEmail)
	}

	if opts.IncludeHumanSupport {
		escalate := &Tool{
			Name:        "request_human_support",
			Description: "Hand the conversation to a human support agent when the customer asks for one or the assistant cannot help.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string", "description": "Why human support is needed"},
					"email":  map[string]any{"type": "string", "description": "The customer's email if provided during the chat"},
				},
				"required": []string{"reason"},
			},
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				reason, _ := args["reason"].(string)
				addr, _ := args["email"].(string)
				return r.requestHumanSupport(ctx, mailbox, conv, reason, addr)
			},
		}
		set[escalate.Name] = r.recorded(conv.ID, escalate)
	}

	if email != nil && *email != "" {
		endpoint, err := database.GetMetadataEndpoint(ctx, r.store.DB, mailbox.ID)
		if err == nil {
			fetch := &Tool{
				Name:        "fetch_user_information",
				Description: "Fetch account information about this customer from the connected system.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
				Execute: func(ctx context.Context, args map[string]any) (string, error) {
					return r.metadata.Fetch(ctx, endpoint, *email)
				},
			}
			set[fetch.Name] = r.recorded(conv.ID, fetch)
		} else if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}

	if opts.IncludeMailboxTools {
		mailboxTools, err := database.ListMailboxTools(ctx, r.store.DB, mailbox.ID)
		if err != nil {
			return nil, err
		}
		for i := range mailboxTools {
			tool := buildAPITool(&mailboxTools[i], email)
			set[tool.Name] = r.recorded(conv.ID, tool)
		}
	}

	return set, nil
}

// requestHumanSupport reopens the conversation, records the escalation
// request and stages the notification job.
func (r *Registry) requestHumanSupport(ctx context.Context, mailbox *models.Mailbox, conv *models.Conversation, reason, email string) (string, error) {
	err := r.store.InTx(ctx, func(tx *sqlx.Tx, outbox *database.Outbox) error {
		if email != "" && strings.Contains(email, "@") {
			if err := database.SetConversationEmailFrom(ctx, tx, conv.ID, email); err != nil {
				return err
			}
		}
		openStatus := string(models.ConversationOpen)
		if _, err := database.UpdateConversation(ctx, tx, outbox, mailbox, conv, models.UpdateConversationRequest{
			Status:  &openStatus,
			Message: &reason,
		}, nil); err != nil {
			return err
		}
		if err := database.InsertHumanSupportEvent(ctx, tx, conv.ID, reason); err != nil {
			return err
		}
		outbox.EnqueueJob(jobs.EventHumanSupportRequested, map[string]any{
			"conversationId": conv.ID,
			"reason":         reason,
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return "A human support agent has been notified and will take over this conversation.", nil
}

// recorded wraps a tool so every invocation is persisted as a tool-role
// message on the conversation, success or failure. Failures are converted
// to the generic failure message so the model keeps going.
func (r *Registry) recorded(conversationID int64, tool *Tool) *Tool {
	inner := tool.Execute
	recorded := *tool
	recorded.Execute = func(ctx context.Context, args map[string]any) (string, error) {
		result, err := inner(ctx, args)
		success := err == nil

		meta := models.MessageMetadata{
			Tool:       &models.ToolInfo{Slug: tool.Name, Name: tool.Name, Description: tool.Description},
			Parameters: args,
			Success:    &success,
		}
		body := result
		if err != nil {
			body = err.Error()
			r.logger.Warn().Err(err).Str("tool", tool.Name).Int64("conversationId", conversationID).Msg("tool call failed")
		}
		meta.Result = mustJSON(body)

		if _, recordErr := database.CreateToolEvent(ctx, r.store.DB, conversationID, meta, body); recordErr != nil {
			r.logger.Error().Err(recordErr).Str("tool", tool.Name).Msg("failed to record tool event")
		}

		if err != nil {
			return failureMessage, nil
		}
		return result, nil
	}
	return &recorded
}

// WithReasoning wraps a tool so successful results are prefixed with an
// explanation of why the tool was invoked. The tool's own contract is
// untouched: errors pass through and the original is not modified. An empty
// explanation is the identity.
func WithReasoning(tool *Tool, explanation string) *Tool {
	explanation = strings.TrimSpace(explanation)
	if explanation == "" {
		return tool
	}
	inner := tool.Execute
	wrapped := *tool
	wrapped.Execute = func(ctx context.Context, args map[string]any) (string, error) {
		result, err := inner(ctx, args)
		if err != nil {
			return result, err
		}
		return explanation + "\n\n" + result, nil
	}
	return &wrapped
}

// ToOpenAI converts the tool set into the API's function declarations.
func ToOpenAI(set map[string]*Tool) []openai.Tool {
	var out []openai.Tool
	for _, tool := range set {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
