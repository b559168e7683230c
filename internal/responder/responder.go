// Package responder is the response generation orchestrator. It ties
// retrieval, prompt composition, the tool registry and the LLM client
// together to produce offline drafts, workflow replies and streaming chat
// answers.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"helpdesk/internal/config"
	"helpdesk/internal/database"
	"helpdesk/internal/embeddings"
	"helpdesk/internal/llm"
	"helpdesk/internal/metadata"
	"helpdesk/internal/models"
	"helpdesk/internal/prompt"
	"helpdesk/internal/tools"
)

// maxToolSteps bounds the tool-augmented completion loop per response.
const maxToolSteps = 5

// Responder generates AI responses for conversations.
type Responder struct {
	store     *database.Store
	llm       *llm.Client
	retriever *embeddings.Retriever
	registry  *tools.Registry
	metadata  *metadata.Client
	cfg       *config.Config
	logger    zerolog.Logger
}

// New creates a responder.
func New(store *database.Store, client *llm.Client, retriever *embeddings.Retriever, registry *tools.Registry, metadataClient *metadata.Client, cfg *config.Config, logger zerolog.Logger) *Responder {
	return &Responder{
		store:     store,
		llm:       client,
		retriever: retriever,
		registry:  registry,
		metadata:  metadataClient,
		cfg:       cfg,
		logger:    logger,
	}
}

// GenerateDraftResponse runs the full offline pipeline: retrieval over all
// three sources plus customer metadata, prompt composition with the
// shorten/drop strategy, a tool-augmented completion, the optional style
// linter pass and markdown conversion. The draft is persisted with its
// PromptInfo so a human can inspect what context produced it.
func (r *Responder) GenerateDraftResponse(ctx context.Context, mailbox *models.Mailbox, conv *models.Conversation) (*models.Message, error) {
	messages, err := database.ListConversationMessages(ctx, r.store.DB, conv.ID)
	if err != nil {
		return nil, err
	}

	userPrompt, err := r.latestUserText(ctx, messages)
	if err != nil {
		return nil, err
	}
	if userPrompt == "" {
		return nil, fmt.Errorf("conversation %d has no user message to respond to", conv.ID)
	}

	builder, err := r.buildContext(ctx, mailbox, conv, userPrompt)
	if err != nil {
		return nil, err
	}

	history := chatHistory(messages)
	history = prompt.Shorten(builder, history, prompt.ModelTokenLimit-maxToolSteps*1000)
	system := builder.System(time.Now())

	chatMessages := append([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}, history...)

	toolSet := map[string]*tools.Tool{}
	if r.cfg.EnableDraftTools {
		toolSet, err = r.registry.BuildTools(ctx, mailbox, conv, conv.EmailFrom, tools.BuildOptions{
			IncludeHumanSupport: false,
			IncludeMailboxTools: true,
		})
		if err != nil {
			return nil, err
		}
	}

	content, err := r.runToolLoop(ctx, mailbox.ID, "draft_response", chatMessages, toolSet)
	if err != nil {
		return nil, err
	}

	content = r.applyStyleLinter(ctx, mailbox, content)
	body, err := MarkdownToHTML(content)
	if err != nil {
		return nil, err
	}

	info := builder.Info(system, userPrompt)
	for name := range toolSet {
		info.AvailableTools = append(info.AvailableTools, name)
	}

	var draft *models.Message
	err = r.store.InTx(ctx, func(tx *sqlx.Tx, outbox *database.Outbox) error {
		draft, err = database.CreateAIDraft(ctx, tx, outbox, mailbox, conv, body, models.MessageMetadata{
			PromptInfo: &info,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// GenerateWorkflowReply produces the body for an auto-reply-from-metadata
// action: a contextual reply grounded in the fetched customer metadata,
// without tool access.
func (r *Responder) GenerateWorkflowReply(ctx context.Context, mailbox *models.Mailbox, conv *models.Conversation, metadataText string) (string, error) {
	messages, err := database.ListConversationMessages(ctx, r.store.DB, conv.ID)
	if err != nil {
		return "", err
	}
	userPrompt, err := r.latestUserText(ctx, messages)
	if err != nil {
		return "", err
	}

	builder := &prompt.Builder{Mailbox: mailbox, Metadata: &metadataText}
	system := builder.System(time.Now())

	resp, err := r.llm.CreateCompletion(ctx, llm.CompletionParams{
		MailboxID: mailbox.ID,
		QueryType: "workflow_auto_reply",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("auto reply returned no choices")
	}

	content := r.applyStyleLinter(ctx, mailbox, resp.Choices[0].Message.Content)
	return MarkdownToHTML(content)
}

// GenerateChatResponse streams an interactive answer. History is rebuilt
// without prior tool metadata, the optional reasoning pass is injected as
// an extra system message when it yields something, and raw tool payloads
// are hidden from the outward stream. Returns the full assistant text.
func (r *Responder) GenerateChatResponse(ctx context.Context, mailbox *models.Mailbox, conv *models.Conversation, onDelta func(string)) (string, error) {
	messages, err := database.ListConversationMessages(ctx, r.store.DB, conv.ID)
	if err != nil {
		return "", err
	}

	builder := &prompt.Builder{Mailbox: mailbox}
	system := builder.System(time.Now())
	history := chatHistory(messages)

	chatMessages := append([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}, history...)

	toolSet, err := r.registry.BuildTools(ctx, mailbox, conv, conv.EmailFrom, tools.BuildOptions{
		IncludeHumanSupport: true,
		IncludeMailboxTools: r.cfg.EnableChatTools,
	})
	if err != nil {
		return "", err
	}

	if reasoning := r.llm.Reason(ctx, mailbox.ID, chatMessages); reasoning != nil {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Consider this analysis of the situation before answering:\n" + *reasoning,
		})
		// Tool results carry the same analysis so the model sees why each
		// tool was invoked alongside what it returned.
		for name, tool := range toolSet {
			toolSet[name] = tools.WithReasoning(tool, "Invoked based on this analysis:\n"+*reasoning)
		}
	}

	return r.runStreamLoop(ctx, mailbox.ID, chatMessages, toolSet, onDelta)
}

// buildContext runs retrieval for all sources and assembles the builder.
// Metadata failures are logged and skipped; the draft proceeds without.
func (r *Responder) buildContext(ctx context.Context, mailbox *models.Mailbox, conv *models.Conversation, userPrompt string) (*prompt.Builder, error) {
	vector, err := r.retriever.Embed(ctx, mailbox.ID, userPrompt)
	if err != nil {
		return nil, err
	}

	similar, err := r.retriever.FindSimilarConversations(ctx, mailbox.ID, vector, conv.Slug)
	if err != nil {
		return nil, err
	}
	knowledge, err := r.retriever.FindSimilarInKnowledgeBank(ctx, mailbox.ID, vector)
	if err != nil {
		return nil, err
	}
	pages, err := r.retriever.FindSimilarWebsitePages(ctx, mailbox.ID, vector)
	if err != nil {
		return nil, err
	}

	builder := &prompt.Builder{
		Mailbox:           mailbox,
		WebsitePages:      pages,
		PastConversations: formatPastConversations(similar),
	}
	if len(knowledge) > 0 {
		var parts []string
		for _, entry := range knowledge {
			parts = append(parts, entry.Content)
		}
		joined := strings.Join(parts, "\n\n")
		builder.KnowledgeBank = &joined
	}

	if conv.EmailFrom != nil && *conv.EmailFrom != "" {
		endpoint, err := database.GetMetadataEndpoint(ctx, r.store.DB, mailbox.ID)
		if err == nil {
			if text, fetchErr := r.metadata.Fetch(ctx, endpoint, *conv.EmailFrom); fetchErr == nil {
				builder.Metadata = &text
			} else {
				r.logger.Warn().Err(fetchErr).Int64("conversationId", conv.ID).Msg("metadata fetch failed, composing without it")
			}
		} else if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}

	return builder, nil
}

// formatPastConversations renders retrieval results as a prompt section.
// A nil result means nothing cleared the threshold and the section is
// omitted entirely.
func formatPastConversations(similar []models.SimilarConversation) *string {
	if similar == nil {
		return nil
	}
	var parts []string
	for _, sc := range similar {
		var lines []string
		if sc.Subject != nil {
			lines = append(lines, "Subject: "+*sc.Subject)
		}
		for _, msg := range sc.Messages {
			if msg.CleanedUpText == nil || *msg.CleanedUpText == "" {
				continue
			}
			lines = append(lines, string(msg.Role)+": "+*msg.CleanedUpText)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	joined := strings.Join(parts, "\n---\n")
	return &joined
}

// latestUserText returns the cleaned text of the newest user message.
func (r *Responder) latestUserText(ctx context.Context, messages []models.Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != models.RoleUser {
			continue
		}
		return database.EnsureCleanedUpText(ctx, r.store.DB, &messages[i])
	}
	return "", nil
}

// chatHistory rebuilds the model-facing conversation, stripping tool
// events and discarded drafts so prior invocations are not replayed.
func chatHistory(messages []models.Message) []openai.ChatCompletionMessage {
	var history []openai.ChatCompletionMessage
	for _, msg := range messages {
		if msg.Body == nil || *msg.Body == "" {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			history = append(history, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: *msg.Body,
			})
		case models.RoleStaff, models.RoleWorkflow:
			history = append(history, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: *msg.Body,
			})
		case models.RoleAIAssistant:
			if msg.Status != nil && (*msg.Status == models.StatusDraft || *msg.Status == models.StatusDiscarded) {
				continue
			}
			history = append(history, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: *msg.Body,
			})
		}
	}
	return history
}

// runToolLoop drives a non-streaming completion with tool access. After
// maxToolSteps the tools are withdrawn and the model must answer.
func (r *Responder) runToolLoop(ctx context.Context, mailboxID int64, queryType string, chatMessages []openai.ChatCompletionMessage, toolSet map[string]*tools.Tool) (string, error) {
	declarations := tools.ToOpenAI(toolSet)

	for step := 0; step < maxToolSteps; step++ {
		resp, err := r.llm.CreateCompletion(ctx, llm.CompletionParams{
			MailboxID: mailboxID,
			QueryType: queryType,
			Messages:  chatMessages,
			Tools:     declarations,
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("completion returned no choices")
		}

		choice := resp.Choices[0]
		if len(choice.Message.ToolCalls) == 0 {
			return choice.Message.Content, nil
		}

		chatMessages = append(chatMessages, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			chatMessages = append(chatMessages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    r.executeToolCall(ctx, toolSet, call),
			})
		}
	}

	// Tool budget exhausted: force a final answer.
	resp, err := r.llm.CreateCompletion(ctx, llm.CompletionParams{
		MailboxID: mailboxID,
		QueryType: queryType,
		Messages:  chatMessages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// runStreamLoop is the streaming counterpart of runToolLoop. Assistant
// text deltas flow to onDelta; tool call payloads never do.
func (r *Responder) runStreamLoop(ctx context.Context, mailboxID int64, chatMessages []openai.ChatCompletionMessage, toolSet map[string]*tools.Tool, onDelta func(string)) (string, error) {
	declarations := tools.ToOpenAI(toolSet)
	filter := NewStreamFilter(onDelta)

	for step := 0; step <= maxToolSteps; step++ {
		params := llm.CompletionParams{
			MailboxID: mailboxID,
			QueryType: "chat_response",
			Messages:  chatMessages,
		}
		if step < maxToolSteps {
			params.Tools = declarations
		}

		stream, err := r.llm.CreateStream(ctx, params)
		if err != nil {
			return "", err
		}

		var content strings.Builder
		calls := map[int]*openai.ToolCall{}
		var order []int

		for {
			chunk, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if recvErr != nil {
				stream.Close()
				return "", fmt.Errorf("stream failed: %w", recvErr)
			}
			if chunk.Usage != nil {
				r.llm.RecordStreamUsage(ctx, mailboxID, r.cfg.CompletionModel, "chat_response", chunk.Usage)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			filter.Write(delta)
			content.WriteString(delta.Content)
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				existing, ok := calls[idx]
				if !ok {
					clone := tc
					calls[idx] = &clone
					order = append(order, idx)
					continue
				}
				existing.Function.Arguments += tc.Function.Arguments
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
			}
		}
		stream.Close()

		if len(calls) == 0 {
			return content.String(), nil
		}

		assistant := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: content.String(),
		}
		for _, idx := range order {
			assistant.ToolCalls = append(assistant.ToolCalls, *calls[idx])
		}
		chatMessages = append(chatMessages, assistant)
		for _, idx := range order {
			call := calls[idx]
			chatMessages = append(chatMessages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    r.executeToolCall(ctx, toolSet, *call),
			})
		}
	}

	return "", fmt.Errorf("tool loop exceeded %d steps", maxToolSteps)
}

// executeToolCall parses arguments and runs the named tool. Unknown tools
// and bad arguments degrade to the registry's failure contract.
func (r *Responder) executeToolCall(ctx context.Context, toolSet map[string]*tools.Tool, call openai.ToolCall) string {
	tool, ok := toolSet[call.Function.Name]
	if !ok {
		r.logger.Warn().Str("tool", call.Function.Name).Msg("model requested unknown tool")
		return "Unknown tool."
	}

	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			r.logger.Warn().Err(err).Str("tool", call.Function.Name).Msg("bad tool arguments")
			return "Invalid tool arguments."
		}
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		// recorded tools absorb errors themselves; this is the fallback
		r.logger.Warn().Err(err).Str("tool", call.Function.Name).Msg("tool execution failed")
		return "The tool could not be executed."
	}
	return result
}

// applyStyleLinter rewrites the draft in the tenant's voice using their
// before/after examples. Identity when disabled, unconfigured or failing.
func (r *Responder) applyStyleLinter(ctx context.Context, mailbox *models.Mailbox, content string) string {
	if !r.cfg.StyleLinterOn || !mailbox.StyleLinterEnabled {
		return content
	}
	examples, err := database.ListStyleExamples(ctx, r.store.DB, mailbox.ID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to load style examples")
		return content
	}
	if len(examples) == 0 {
		return content
	}

	var sb strings.Builder
	sb.WriteString("Rewrite the reply below to match the team's voice. Keep every fact unchanged. Examples of the team's edits:\n\n")
	for _, example := range examples {
		fmt.Fprintf(&sb, "Before: %s\nAfter: %s\n\n", example.Before, example.After)
	}

	var result struct {
		Rewritten string `json:"rewritten"`
	}
	err = r.llm.CreateStructured(ctx, llm.CompletionParams{
		MailboxID: mailbox.ID,
		QueryType: "style_linter",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: sb.String() + `Respond with JSON: {"rewritten": "..."}`},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
	}, &result)
	if err != nil || strings.TrimSpace(result.Rewritten) == "" {
		r.logger.Warn().Err(err).Msg("style linter failed, keeping original draft")
		return content
	}
	return result.Rewritten
}

// GenerateWorkflowName asks the mini model for a short human-readable name
// for a new workflow based on its condition and action.
func (r *Responder) GenerateWorkflowName(ctx context.Context, mailboxID int64, condition string, action models.WorkflowAction) (string, error) {
	var result struct {
		Name string `json:"name"`
	}
	err := r.llm.CreateStructured(ctx, llm.CompletionParams{
		MailboxID: mailboxID,
		QueryType: "workflow_name",
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: `Produce a short (max 6 words) name for an automation rule. Respond with JSON: {"name": "..."}`,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Condition: %s\nAction: %s", condition, action),
			},
		},
	}, &result)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(result.Name)
	if name == "" {
		return "", fmt.Errorf("workflow name generation returned empty name")
	}
	return name, nil
}

// subjectMaxLen caps generated conversation subjects.
const subjectMaxLen = 50

// GenerateConversationSubject derives a subject for a new chat conversation
// from its first message. Short messages are used verbatim; longer ones are
// condensed by the mini model. Failures fall back to a truncated copy so
// subject generation never blocks the conversation.
func (r *Responder) GenerateConversationSubject(ctx context.Context, mailboxID int64, message string) string {
	trimmed := strings.TrimSpace(message)
	if len([]rune(trimmed)) <= subjectMaxLen {
		return trimmed
	}

	fallback := string([]rune(trimmed)[:subjectMaxLen-3]) + "..."

	var result struct {
		Subject string `json:"subject"`
	}
	err := r.llm.CreateStructured(ctx, llm.CompletionParams{
		MailboxID: mailboxID,
		QueryType: "conversation_subject",
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: `Summarize the customer's message as an email-style subject line of at most 50 characters. Respond with JSON: {"subject": "..."}`,
			},
			{Role: openai.ChatMessageRoleUser, Content: trimmed},
		},
	}, &result)
	if err != nil {
		r.logger.Warn().Err(err).Msg("subject generation failed, using truncated message")
		return fallback
	}
	subject := strings.TrimSpace(result.Subject)
	if subject == "" {
		return fallback
	}
	if len([]rune(subject)) > subjectMaxLen {
		subject = string([]rune(subject)[:subjectMaxLen-3]) + "..."
	}
	return subject
}

// StreamFilter forwards assistant text deltas and swallows anything tied
// to a tool invocation, so raw tool payloads never reach the end user.
type StreamFilter struct {
	out func(string)
}

// NewStreamFilter wraps a delta sink. A nil sink discards everything.
func NewStreamFilter(out func(string)) *StreamFilter {
	if out == nil {
		out = func(string) {}
	}
	return &StreamFilter{out: out}
}

// Write inspects one stream delta.
func (f *StreamFilter) Write(delta openai.ChatCompletionStreamChoiceDelta) {
	if len(delta.ToolCalls) > 0 {
		return
	}
	if delta.Content != "" {
		f.out(delta.Content)
	}
}
