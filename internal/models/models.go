// Package models defines the plain value types shared across the helpdesk:
// database rows, workflow definitions and the structured metadata attached
// to conversation messages. Relationships are expressed as foreign-key
// fields; joins happen in explicit repository functions.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ConversationStatus is the lifecycle state of a support thread.
type ConversationStatus string

const (
	ConversationOpen      ConversationStatus = "open"
	ConversationClosed    ConversationStatus = "closed"
	ConversationSpam      ConversationStatus = "spam"
	ConversationEscalated ConversationStatus = "escalated"
)

// MessageRole identifies who (or what) authored a conversation message.
type MessageRole string

const (
	RoleUser        MessageRole = "user"
	RoleStaff       MessageRole = "staff"
	RoleAIAssistant MessageRole = "ai_assistant"
	RoleTool        MessageRole = "tool"
	RoleWorkflow    MessageRole = "workflow"
)

// MessageStatus tracks outbound message delivery. User messages have no status.
type MessageStatus string

const (
	StatusDraft     MessageStatus = "draft"
	StatusQueueing  MessageStatus = "queueing"
	StatusSent      MessageStatus = "sent"
	StatusDiscarded MessageStatus = "discarded"
	StatusFailed    MessageStatus = "failed"
)

// Mailbox is an isolated customer-support workspace (tenant). All data is
// scoped to one mailbox.
type Mailbox struct {
	ID                 int64      `db:"id" json:"id"`
	Slug               string     `db:"slug" json:"slug"`
	Name               string     `db:"name" json:"name"`
	OrganizationID     int64      `db:"organization_id" json:"organizationId"`
	WritingRules       *string    `db:"writing_rules" json:"writingRules,omitempty"`
	EscalationBody     *string    `db:"escalation_body" json:"-"`
	AutoRespondToChat  bool       `db:"auto_respond_to_chat" json:"autoRespondToChat"`
	WidgetHost         *string    `db:"widget_host" json:"-"`
	StyleLinterEnabled bool       `db:"style_linter_enabled" json:"styleLinterEnabled"`
	PromptUpdatedAt    time.Time  `db:"prompt_updated_at" json:"promptUpdatedAt"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
	DeletedAt          *time.Time `db:"deleted_at" json:"-"`
}

// Organization owns one or more mailboxes and carries billing state.
type Organization struct {
	ID                 int64  `db:"id"`
	Name               string `db:"name"`
	Paid               bool   `db:"paid"`
	TrialRepliesLimit  int    `db:"trial_replies_limit"`
	AutomatedRepliesOn bool   `db:"automated_replies_on"`
	AutomatedReplies   int    `db:"automated_replies_count"`
}

// CanSendAutomatedReplies reports whether reply-producing workflow actions
// may run for this organization. Unpaid organizations are limited to their
// trial allowance.
func (o Organization) CanSendAutomatedReplies() bool {
	if !o.AutomatedRepliesOn {
		return false
	}
	if o.Paid {
		return true
	}
	return o.AutomatedReplies < o.TrialRepliesLimit
}

// MetadataEndpoint is a tenant-configured HTTP endpoint returning per-user
// context for prompt composition, authenticated with an HMAC signature.
type MetadataEndpoint struct {
	ID         int64      `db:"id"`
	MailboxID  int64      `db:"mailbox_id"`
	URL        string     `db:"url"`
	HMACSecret string     `db:"hmac_secret"`
	Enabled    bool       `db:"enabled"`
	DeletedAt  *time.Time `db:"deleted_at"`
}

// StringList stores an ordered list of strings as a JSON column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("cannot scan %T into StringList", src)
}

// Conversation is one support thread. ClosedAt records the first transition
// into closed and is never cleared on reopen.
type Conversation struct {
	ID                     int64              `db:"id" json:"id"`
	Slug                   string             `db:"slug" json:"slug"`
	MailboxID              int64              `db:"mailbox_id" json:"mailboxId"`
	Subject                *string            `db:"subject" json:"subject"`
	EmailFrom              *string            `db:"email_from" json:"emailFrom"`
	Status                 ConversationStatus `db:"status" json:"status"`
	AssignedToUserID       *int64             `db:"assigned_to_user_id" json:"assignedToUserId"`
	AssignedToAI           bool               `db:"assigned_to_ai" json:"assignedToAI"`
	Summary                StringList         `db:"summary" json:"summary"`
	EmbeddingText          *string            `db:"embedding_text" json:"-"`
	CreatedAt              time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt              time.Time          `db:"updated_at" json:"updatedAt"`
	ClosedAt               *time.Time         `db:"closed_at" json:"closedAt"`
	LastUserEmailCreatedAt *time.Time         `db:"last_user_email_created_at" json:"lastUserEmailCreatedAt"`
}

// ToolInfo snapshots the tool definition at invocation time so later edits
// to the tool do not rewrite conversation history.
type ToolInfo struct {
	ID            int64  `json:"id,omitempty"`
	Slug          string `json:"slug"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	URL           string `json:"url,omitempty"`
	RequestMethod string `json:"requestMethod,omitempty"`
}

// MessageMetadata carries structured context on tool and AI messages.
type MessageMetadata struct {
	Tool       *ToolInfo       `json:"tool,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	UserPrompt *string         `json:"userPrompt,omitempty"`
	PromptInfo *PromptInfo     `json:"promptInfo,omitempty"`
}

func (m MessageMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *MessageMetadata) Scan(src any) error {
	if src == nil {
		*m = MessageMetadata{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("cannot scan %T into MessageMetadata", src)
}

// PromptInfo records which context sources went into a generated draft so a
// human can inspect why the model answered the way it did.
type PromptInfo struct {
	SystemPrompt      string            `json:"systemPrompt,omitempty"`
	KnowledgeBank     *string           `json:"knowledgeBank,omitempty"`
	WebsitePages      []WebsitePageRef  `json:"websitePages,omitempty"`
	PastConversations *string           `json:"pastConversations,omitempty"`
	Metadata          *string           `json:"metadata,omitempty"`
	UserPrompt        string            `json:"userPrompt,omitempty"`
	AvailableTools    []string          `json:"availableTools,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// WebsitePageRef is the inspection-friendly subset of a retrieved page.
type WebsitePageRef struct {
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// Message belongs to exactly one conversation.
type Message struct {
	ID             int64           `db:"id" json:"id"`
	ConversationID int64           `db:"conversation_id" json:"conversationId"`
	Role           MessageRole     `db:"role" json:"role"`
	Status         *MessageStatus  `db:"status" json:"status"`
	Body           *string         `db:"body" json:"body"`
	CleanedUpText  *string         `db:"cleaned_up_text" json:"-"`
	ResponseToID   *int64          `db:"response_to_id" json:"responseToId"`
	UserID         *int64          `db:"user_id" json:"userId"`
	EmailFrom      *string         `db:"email_from" json:"emailFrom"`
	EmailCc        StringList      `db:"email_cc" json:"cc"`
	Metadata       MessageMetadata `db:"metadata" json:"metadata"`
	IsPerfect      bool            `db:"is_perfect" json:"isPerfect"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	DeletedAt      *time.Time      `db:"deleted_at" json:"-"`
}

// ConversationEventType categorizes audit events on a conversation.
type ConversationEventType string

const (
	EventUpdate              ConversationEventType = "update"
	EventRequestHumanSupport ConversationEventType = "request_human_support"
)

// ConversationEvent is an audit row written when status or assignment
// actually changes, or when a tool escalates the conversation.
type ConversationEvent struct {
	ID             int64                 `db:"id" json:"id"`
	ConversationID int64                 `db:"conversation_id" json:"conversationId"`
	Type           ConversationEventType `db:"type" json:"type"`
	Changes        JSONMap               `db:"changes" json:"changes"`
	ByUserID       *int64                `db:"by_user_id" json:"byUserId"`
	Reason         *string               `db:"reason" json:"reason"`
	CreatedAt      time.Time             `db:"created_at" json:"createdAt"`
}

// JSONMap stores a free-form object as a JSON column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("cannot scan %T into JSONMap", src)
}

// WorkflowAction is the user-facing automation outcome configured in settings.
type WorkflowAction string

const (
	ActionCloseTicket     WorkflowAction = "close_ticket"
	ActionMarkSpam        WorkflowAction = "mark_spam"
	ActionReplyAndClose   WorkflowAction = "reply_and_close_ticket"
	ActionReplyAndSetOpen WorkflowAction = "reply_and_set_open"
	ActionAssignUser      WorkflowAction = "assign_user"
	ActionUnknown         WorkflowAction = "unknown"
)

// ResolvedActionType is the low-level action executed by the engine. One
// WorkflowAction resolves to one or two of these, run in order.
type ResolvedActionType string

const (
	ResolvedSendEmail             ResolvedActionType = "send_email"
	ResolvedSendReplyFromMetadata ResolvedActionType = "send_auto_reply_from_metadata"
	ResolvedChangeHelperStatus    ResolvedActionType = "change_helper_status"
	ResolvedAssignUser            ResolvedActionType = "assign_user"
	ResolvedAddNote               ResolvedActionType = "add_note"
)

// ResolvedAction pairs an action type with its value (status, message body,
// user id or note text depending on the type).
type ResolvedAction struct {
	Type  ResolvedActionType `json:"type"`
	Value string             `json:"value"`
}

// Workflow is a tenant-configured automation rule: one free-form natural
// language condition mapped to an action. Order is unique per mailbox and
// renormalized to a dense 0..n sequence on reorder.
type Workflow struct {
	ID                    int64          `db:"id" json:"id"`
	MailboxID             int64          `db:"mailbox_id" json:"mailboxId"`
	Name                  string         `db:"name" json:"name"`
	Prompt                string         `db:"prompt" json:"prompt"`
	Action                WorkflowAction `db:"action" json:"action"`
	Message               *string        `db:"message" json:"message"`
	Order                 int            `db:"display_order" json:"order"`
	RunOnReplies          bool           `db:"run_on_replies" json:"runOnReplies"`
	AutoReplyFromMetadata bool           `db:"auto_reply_from_metadata" json:"autoReplyFromMetadata"`
	AssignedUserID        *int64         `db:"assigned_user_id" json:"assignedUserId"`
	CreatedAt             time.Time      `db:"created_at" json:"createdAt"`
	DeletedAt             *time.Time     `db:"deleted_at" json:"-"`
}

// WorkflowSnapshot freezes the workflow definition at fire time.
type WorkflowSnapshot struct {
	Name                  string         `json:"name"`
	Prompt                string         `json:"prompt"`
	Action                WorkflowAction `json:"action"`
	Message               *string        `json:"message,omitempty"`
	RunOnReplies          bool           `json:"runOnReplies"`
	AutoReplyFromMetadata bool           `json:"autoReplyFromMetadata"`
}

func (s WorkflowSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *WorkflowSnapshot) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = WorkflowSnapshot{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into WorkflowSnapshot", src)
}

// ActionOutcomes records, per resolved action, whether it was attempted and
// whether it succeeded. Actions after the first failure are never attempted.
type ActionOutcomes []ActionOutcome

// ActionOutcome is the audit record of a single action in a run.
type ActionOutcome struct {
	Action    ResolvedAction `json:"action"`
	Attempted bool           `json:"attempted"`
	Succeeded bool           `json:"succeeded"`
}

func (o ActionOutcomes) Value() (driver.Value, error) {
	if o == nil {
		return json.Marshal([]ActionOutcome{})
	}
	return json.Marshal(o)
}

func (o *ActionOutcomes) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, o)
	case string:
		return json.Unmarshal([]byte(v), o)
	case nil:
		*o = nil
		return nil
	}
	return fmt.Errorf("cannot scan %T into ActionOutcomes", src)
}

// WorkflowRun is an immutable audit record written once per (workflow,
// message) firing, enforced by a unique constraint.
type WorkflowRun struct {
	ID             int64            `db:"id" json:"id"`
	WorkflowID     int64            `db:"workflow_id" json:"workflowId"`
	MessageID      int64            `db:"message_id" json:"messageId"`
	ConversationID int64            `db:"conversation_id" json:"conversationId"`
	MailboxID      int64            `db:"mailbox_id" json:"mailboxId"`
	Snapshot       WorkflowSnapshot `db:"snapshot" json:"snapshot"`
	Outcomes       ActionOutcomes   `db:"outcomes" json:"outcomes"`
	CreatedAt      time.Time        `db:"created_at" json:"createdAt"`
}

// Escalation tracks a conversation handed to a human. At most one active
// (unresolved) escalation exists per conversation at a time.
type Escalation struct {
	ID             int64      `db:"id" json:"id"`
	ConversationID int64      `db:"conversation_id" json:"conversationId"`
	UserID         *int64     `db:"user_id" json:"userId"`
	ResolvedAt     *time.Time `db:"resolved_at" json:"resolvedAt"`
	ResolvedBy     *string    `db:"resolved_by" json:"resolvedBy"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
}

// AIUsageEvent is an append-only ledger row per LLM call, used for metering.
type AIUsageEvent struct {
	ID           int64     `db:"id" json:"id"`
	MailboxID    int64     `db:"mailbox_id" json:"mailboxId"`
	ModelName    string    `db:"model_name" json:"modelName"`
	QueryType    string    `db:"query_type" json:"queryType"`
	InputTokens  int       `db:"input_tokens" json:"inputTokensCount"`
	OutputTokens int       `db:"output_tokens" json:"outputTokensCount"`
	CachedTokens int       `db:"cached_tokens" json:"cachedTokensCount"`
	Cost         string    `db:"cost" json:"cost"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// KnowledgeEntry is a tenant-curated fact used as retrieval context.
type KnowledgeEntry struct {
	ID         int64   `db:"id" json:"id"`
	MailboxID  int64   `db:"mailbox_id" json:"mailboxId"`
	Content    string  `db:"content" json:"content"`
	Enabled    bool    `db:"enabled" json:"enabled"`
	Similarity float64 `db:"similarity" json:"similarity"`
}

// WebsitePage is a crawled page belonging to a tenant website.
type WebsitePage struct {
	ID         int64   `db:"id" json:"id"`
	WebsiteID  int64   `db:"website_id" json:"websiteId"`
	URL        string  `db:"url" json:"url"`
	Title      string  `db:"title" json:"pageTitle"`
	Markdown   string  `db:"markdown" json:"markdown"`
	Similarity float64 `db:"similarity" json:"similarity"`
}

// SimilarConversation is a retrieval result: a past conversation with its
// similarity score and messages ordered oldest-first.
type SimilarConversation struct {
	Conversation
	Similarity float64   `db:"similarity" json:"similarity"`
	Messages   []Message `json:"messages"`
}

// ToolParameterIn locates where a tenant tool parameter is bound.
type ToolParameterIn string

const (
	ParamInPath  ToolParameterIn = "path"
	ParamInQuery ToolParameterIn = "query"
	ParamInBody  ToolParameterIn = "body"
)

// ToolParameter declares one parameter of a tenant-defined HTTP tool.
type ToolParameter struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Type        string          `json:"type"`
	In          ToolParameterIn `json:"in"`
	Required    bool            `json:"required"`
}

// ToolParameters stores the declared parameter list as JSON.
type ToolParameters []ToolParameter

func (p ToolParameters) Value() (driver.Value, error) {
	if p == nil {
		return json.Marshal([]ToolParameter{})
	}
	return json.Marshal(p)
}

func (p *ToolParameters) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = nil
		return nil
	}
	return fmt.Errorf("cannot scan %T into ToolParameters", src)
}

// MailboxTool is a tenant-defined HTTP-backed tool exposed to the LLM.
type MailboxTool struct {
	ID                 int64          `db:"id" json:"id"`
	MailboxID          int64          `db:"mailbox_id" json:"mailboxId"`
	Slug               string         `db:"slug" json:"slug"`
	Name               string         `db:"name" json:"name"`
	Description        string         `db:"description" json:"description"`
	URL                string         `db:"url" json:"url"`
	RequestMethod      string         `db:"request_method" json:"requestMethod"`
	AuthToken          *string        `db:"auth_token" json:"-"`
	Parameters         ToolParameters `db:"parameters" json:"parameters"`
	CustomerEmailParam *string        `db:"customer_email_param" json:"customerEmailParameter"`
	Enabled            bool           `db:"enabled" json:"enabled"`
	DeletedAt          *time.Time     `db:"deleted_at" json:"-"`
}

// StyleExample is a before/after pair used by the style linter.
type StyleExample struct {
	ID        int64  `db:"id" json:"id"`
	MailboxID int64  `db:"mailbox_id" json:"mailboxId"`
	Before    string `db:"before_text" json:"before"`
	After     string `db:"after_text" json:"after"`
}
