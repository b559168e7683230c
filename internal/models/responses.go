package models

import "time"

// HealthResponse is returned by the basic health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// DBHealthResponse is returned by the database health check endpoint.
type DBHealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Connected bool      `json:"connected"`
	Latency   int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

// ChatRequest is the inbound payload for the widget chat endpoint.
type ChatRequest struct {
	ConversationSlug string `json:"conversationSlug"`
	Message          string `json:"message"`
	Email            string `json:"email,omitempty"`
}

// ChatResponse is the non-streaming chat reply.
type ChatResponse struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReplyRequest creates a staff reply on a conversation.
type ReplyRequest struct {
	Message      string   `json:"message"`
	Cc           []string `json:"cc,omitempty"`
	Close        *bool    `json:"close,omitempty"`
	ResponseToID *int64   `json:"responseToId,omitempty"`
}

// UpdateConversationRequest applies a partial conversation update.
type UpdateConversationRequest struct {
	Status           *string `json:"status,omitempty"`
	AssignedToUserID *int64  `json:"assignedToUserId,omitempty"`
	Message          *string `json:"message,omitempty"`
}

// WorkflowRequest creates or updates a workflow from settings.
type WorkflowRequest struct {
	Name                  string  `json:"name,omitempty"`
	Prompt                string  `json:"prompt"`
	Action                string  `json:"action"`
	Message               *string `json:"message,omitempty"`
	RunOnReplies          bool    `json:"runOnReplies"`
	AutoReplyFromMetadata bool    `json:"autoReplyFromMetadata"`
	AssignedUserID        *int64  `json:"assignedUserId,omitempty"`
}

// ReorderRequest renormalizes workflow ordering to the given id sequence.
type ReorderRequest struct {
	WorkflowIDs []int64 `json:"workflowIds"`
}

// ErrorResponse is the generic error envelope. Messages are intentionally
// non-leaking; diagnostic detail stays in the logs.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DraftResponse returns a generated draft with its prompt provenance.
type DraftResponse struct {
	MessageID  int64      `json:"messageId"`
	Body       string     `json:"body"`
	PromptInfo PromptInfo `json:"promptInfo"`
}
