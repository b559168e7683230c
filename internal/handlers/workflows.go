package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"helpdesk/internal/database"
	"helpdesk/internal/models"
	"helpdesk/internal/responder"
)

func bindWorkflowRequest(c echo.Context) (*models.WorkflowRequest, error) {
	var req models.WorkflowRequest
	if err := c.Bind(&req); err != nil {
		return nil, errors.New("invalid request body")
	}
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	action := models.WorkflowAction(req.Action)
	switch action {
	case models.ActionCloseTicket, models.ActionMarkSpam, models.ActionAssignUser:
	case models.ActionReplyAndClose, models.ActionReplyAndSetOpen:
		if !req.AutoReplyFromMetadata && (req.Message == nil || *req.Message == "") {
			return nil, errors.New("message is required for reply actions")
		}
	default:
		return nil, errors.New("unknown workflow action")
	}
	if action == models.ActionAssignUser && req.AssignedUserID == nil {
		return nil, errors.New("assignedUserId is required for assign_user")
	}
	return &req, nil
}

// ListWorkflowsHandler returns the mailbox's workflows in evaluation order.
func ListWorkflowsHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		mailbox, err := database.GetMailboxBySlug(ctx, store.DB, c.Param("slug"))
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		workflows, err := database.ListWorkflows(ctx, store.DB, mailbox.ID)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusOK, workflows)
	}
}

// CreateWorkflowHandler appends a new workflow. A missing name is filled in
// by the mini model from the condition and action.
func CreateWorkflowHandler(store *database.Store, rsp *responder.Responder, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		mailbox, err := database.GetMailboxBySlug(ctx, store.DB, c.Param("slug"))
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		req, err := bindWorkflowRequest(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		}

		name := req.Name
		if name == "" {
			name, err = rsp.GenerateWorkflowName(ctx, mailbox.ID, req.Prompt, models.WorkflowAction(req.Action))
			if err != nil {
				logger.Warn().Err(err).Msg("workflow name generation failed, using fallback")
				name = "Untitled workflow"
			}
		}

		created, err := database.CreateWorkflow(ctx, store.DB, &models.Workflow{
			MailboxID:             mailbox.ID,
			Name:                  name,
			Prompt:                req.Prompt,
			Action:                models.WorkflowAction(req.Action),
			Message:               req.Message,
			RunOnReplies:          req.RunOnReplies,
			AutoReplyFromMetadata: req.AutoReplyFromMetadata,
			AssignedUserID:        req.AssignedUserID,
		})
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusCreated, created)
	}
}

// UpdateWorkflowHandler replaces a workflow's editable fields.
func UpdateWorkflowHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		mailbox, err := database.GetMailboxBySlug(ctx, store.DB, c.Param("slug"))
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid workflow id"})
		}

		req, err := bindWorkflowRequest(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		}

		existing, err := database.GetWorkflow(ctx, store.DB, mailbox.ID, id)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		existing.Prompt = req.Prompt
		existing.Action = models.WorkflowAction(req.Action)
		existing.Message = req.Message
		existing.RunOnReplies = req.RunOnReplies
		existing.AutoReplyFromMetadata = req.AutoReplyFromMetadata
		existing.AssignedUserID = req.AssignedUserID
		if req.Name != "" {
			existing.Name = req.Name
		}

		if err := database.UpdateWorkflow(ctx, store.DB, existing); err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusOK, existing)
	}
}

// DeleteWorkflowHandler soft-deletes a workflow and compacts the order.
func DeleteWorkflowHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		mailbox, err := database.GetMailboxBySlug(ctx, store.DB, c.Param("slug"))
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid workflow id"})
		}
		if err := database.DeleteWorkflow(ctx, store.DB, mailbox.ID, id); err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// ReorderWorkflowsHandler applies a new evaluation order.
func ReorderWorkflowsHandler(store *database.Store, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		mailbox, err := database.GetMailboxBySlug(ctx, store.DB, c.Param("slug"))
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}

		var req models.ReorderRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		}
		if len(req.WorkflowIDs) == 0 {
			return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "workflowIds is required"})
		}

		if err := database.ReorderWorkflows(ctx, store.DB, mailbox.ID, req.WorkflowIDs); err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		workflows, err := database.ListWorkflows(ctx, store.DB, mailbox.ID)
		if err != nil {
			return notFoundOrInternal(c, err, logger)
		}
		return c.JSON(http.StatusOK, workflows)
	}
}
