package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"helpdesk/internal/database"
	"helpdesk/internal/models"
	"helpdesk/internal/responder"
)

// loadConversation resolves the mailbox and conversation from path params,
// enforcing tenant scoping.
func loadConversation(c echo.Context, store *database.Store) (*models.Mailbox, *models.Conversation, error) {
	ctx := c.Request().Context()
	mailbox, err := database.GetMailboxBySlug(ctx, store.DB, c.Param("slug"))
	if err != nil {
		return nil, nil, err
	}
	conv, err := database.GetConversationBySlug(ctx, store.DB, c.Param("conversationSlug"))
	if err != nil {
		return nil, nil, err
	}
	if conv.MailboxID != mailbox.ID {
		return nil, nil, database.ErrNotFound
	}
	return mailbox, conv, nil
}

// callerUserID reads the authenticated staff user id set by the edge proxy.
func callerUserID(c echo.Context) *int64 {
	raw := c.Request().Header.Get("X-User-ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}

// GetConversationHandler returns one conversation with its messages.
func GetConversationHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, conv, err := loadConversation(c, store)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		messages, err := database.ListConversationMessages(c.Request().Context(), store.DB, conv.ID)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"conversation": conv,
			"messages":     messages,
		})
	}
}

// UpdateConversationHandler applies a partial status/assignment update.
func UpdateConversationHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		mailbox, conv, err := loadConversation(c, store)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		var req models.UpdateConversationRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		}

		ctx := c.Request().Context()
		var updated *models.Conversation
		err = store.InTx(ctx, func(tx *sqlx.Tx, outbox *database.Outbox) error {
			updated, err = database.UpdateConversation(ctx, tx, outbox, mailbox, conv, req, callerUserID(c))
			return err
		})
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return notFoundOrInternal(c, err, logger)
			}
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, updated)
	}
}

// CreateReplyHandler records a staff reply.
func CreateReplyHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		mailbox, conv, err := loadConversation(c, store)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		var req models.ReplyRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		}
		if req.Message == "" {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "message is required"})
		}
		userID := callerUserID(c)
		if userID == nil {
			return c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "authentication required"})
		}

		ctx := c.Request().Context()
		var msg *models.Message
		err = store.InTx(ctx, func(tx *sqlx.Tx, outbox *database.Outbox) error {
			msg, err = database.CreateReply(ctx, tx, outbox, mailbox, conv, req, *userID)
			return err
		})
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusCreated, msg)
	}
}

// EscalateConversationHandler hands a conversation to a human.
func EscalateConversationHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		mailbox, conv, err := loadConversation(c, store)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		var req struct {
			Reason *string `json:"reason,omitempty"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		}

		ctx := c.Request().Context()
		var esc *models.Escalation
		err = store.InTx(ctx, func(tx *sqlx.Tx, outbox *database.Outbox) error {
			esc, err = database.CreateEscalation(ctx, tx, outbox, mailbox, conv, callerUserID(c), req.Reason)
			return err
		})
		if err != nil {
			if errors.Is(err, database.ErrAlreadyEscalated) {
				return c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
			}
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusCreated, esc)
	}
}

// GenerateDraftHandler synthesizes an AI draft reply on demand.
func GenerateDraftHandler(store *database.Store, rsp *responder.Responder, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		mailbox, conv, err := loadConversation(c, store)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		draft, err := rsp.GenerateDraftResponse(c.Request().Context(), mailbox, conv)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		body := ""
		if draft.Body != nil {
			body = *draft.Body
		}
		var info models.PromptInfo
		if draft.Metadata.PromptInfo != nil {
			info = *draft.Metadata.PromptInfo
		}
		return c.JSON(http.StatusCreated, models.DraftResponse{
			MessageID:  draft.ID,
			Body:       body,
			PromptInfo: info,
		})
	}
}

// ListConversationEventsHandler returns the audit trail.
func ListConversationEventsHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, conv, err := loadConversation(c, store)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		events, err := database.ListConversationEvents(c.Request().Context(), store.DB, conv.ID)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusOK, events)
	}
}

// ListWorkflowRunsHandler returns the workflow firing history.
func ListWorkflowRunsHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, conv, err := loadConversation(c, store)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		runs, err := database.ListWorkflowRuns(c.Request().Context(), store.DB, conv.ID)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusOK, runs)
	}
}

// UsageSummaryHandler aggregates AI spend for a mailbox over a window
// given as ?from=YYYY-MM-DD&to=YYYY-MM-DD (default: last 30 days).
func UsageSummaryHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		mailbox, err := database.GetMailboxBySlug(ctx, store.DB, c.Param("slug"))
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		to := time.Now()
		from := to.AddDate(0, 0, -30)
		if raw := c.QueryParam("from"); raw != "" {
			if parsed, parseErr := time.Parse("2006-01-02", raw); parseErr == nil {
				from = parsed
			}
		}
		if raw := c.QueryParam("to"); raw != "" {
			if parsed, parseErr := time.Parse("2006-01-02", raw); parseErr == nil {
				to = parsed
			}
		}

		summary, err := database.GetUsageSummary(ctx, store.DB, mailbox.ID, from, to)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusOK, summary)
	}
}
