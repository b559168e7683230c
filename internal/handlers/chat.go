package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"helpdesk/internal/database"
	"helpdesk/internal/models"
	"helpdesk/internal/responder"
)

// ChatHandler handles widget chat messages. The user message is always
// recorded (which kicks off the workflow pipeline asynchronously); when the
// mailbox has auto-respond enabled the AI answer is streamed back inline as
// server-sent events.
func ChatHandler(store *database.Store, rsp *responder.Responder, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req models.ChatRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		}
		if req.Message == "" {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "message is required"})
		}

		ctx := c.Request().Context()
		mailbox, err := database.GetMailboxBySlug(ctx, store.DB, c.Param("slug"))
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		var email *string
		if req.Email != "" {
			email = &req.Email
		}

		var subject *string
		if req.ConversationSlug == "" {
			s := rsp.GenerateConversationSubject(ctx, mailbox.ID, req.Message)
			if s != "" {
				subject = &s
			}
		}

		var conv *models.Conversation
		err = store.InTx(ctx, func(tx *sqlx.Tx, outbox *database.Outbox) error {
			if req.ConversationSlug != "" {
				conv, err = database.GetConversationBySlug(ctx, tx, req.ConversationSlug)
				if err != nil {
					return err
				}
				if conv.MailboxID != mailbox.ID {
					return database.ErrNotFound
				}
			} else {
				conv, err = database.CreateConversation(ctx, tx, mailbox.ID, subject, email)
				if err != nil {
					return err
				}
			}
			_, err = database.CreateUserMessage(ctx, tx, outbox, conv, req.Message, email)
			return err
		})
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		if !mailbox.AutoRespondToChat {
			return c.JSON(http.StatusAccepted, map[string]string{"conversationSlug": conv.Slug})
		}

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set("Cache-Control", "no-cache")
		res.Header().Set("X-Conversation-Slug", conv.Slug)
		res.WriteHeader(http.StatusOK)

		answer, err := rsp.GenerateChatResponse(ctx, mailbox, conv, func(delta string) {
			fmt.Fprintf(res, "data: %s\n\n", delta)
			res.Flush()
		})
		if err != nil {
			logger.Error().Err(err).Int64("conversationId", conv.ID).Msg("chat response failed")
			fmt.Fprint(res, "event: error\ndata: response generation failed\n\n")
			res.Flush()
			return nil
		}

		if answer != "" {
			err = store.InTx(ctx, func(tx *sqlx.Tx, _ *database.Outbox) error {
				status := models.StatusSent
				_, insertErr := database.CreateAssistantMessage(ctx, tx, conv.ID, answer, status)
				return insertErr
			})
			if err != nil {
				logger.Error().Err(err).Int64("conversationId", conv.ID).Msg("failed to persist chat answer")
			}
		}

		fmt.Fprint(res, "event: done\ndata: \n\n")
		res.Flush()
		return nil
	}
}

func notFoundOrInternal(c echo.Context, err error, logger zerolog.Logger) error {
	if errors.Is(err, database.ErrNotFound) {
		return c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "not found"})
	}
	logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
}
