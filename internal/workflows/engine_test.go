package workflows

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/internal/database"
	"helpdesk/internal/jobs"
	"helpdesk/internal/models"
	"helpdesk/internal/realtime"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	store := database.NewStore(sqlx.NewDb(mockDB, "sqlmock"), realtime.NopPublisher{}, jobs.NopEnqueuer{}, zerolog.Nop())
	return NewEngine(store, nil, nil, nil, zerolog.Nop()), mock
}

func strPtr(s string) *string { return &s }

func TestResolveActions(t *testing.T) {
	userID := int64(42)
	tests := []struct {
		name     string
		workflow models.Workflow
		expected []models.ResolvedAction
	}{
		{
			name:     "close ticket",
			workflow: models.Workflow{Action: models.ActionCloseTicket},
			expected: []models.ResolvedAction{
				{Type: models.ResolvedChangeHelperStatus, Value: "closed"},
			},
		},
		{
			name:     "mark spam",
			workflow: models.Workflow{Action: models.ActionMarkSpam},
			expected: []models.ResolvedAction{
				{Type: models.ResolvedChangeHelperStatus, Value: "spam"},
			},
		},
		{
			name:     "reply comes before the close",
			workflow: models.Workflow{Action: models.ActionReplyAndClose, Message: strPtr("All sorted!")},
			expected: []models.ResolvedAction{
				{Type: models.ResolvedSendEmail, Value: "All sorted!"},
				{Type: models.ResolvedChangeHelperStatus, Value: "closed"},
			},
		},
		{
			name: "metadata reply overrides canned message",
			workflow: models.Workflow{
				Action:                models.ActionReplyAndSetOpen,
				Message:               strPtr("ignored"),
				AutoReplyFromMetadata: true,
			},
			expected: []models.ResolvedAction{
				{Type: models.ResolvedSendReplyFromMetadata},
				{Type: models.ResolvedChangeHelperStatus, Value: "open"},
			},
		},
		{
			name:     "assign user",
			workflow: models.Workflow{Action: models.ActionAssignUser, AssignedUserID: &userID},
			expected: []models.ResolvedAction{
				{Type: models.ResolvedAssignUser, Value: "42"},
			},
		},
		{
			name:     "unknown action passes through for the runner to reject",
			workflow: models.Workflow{Action: models.WorkflowAction("explode")},
			expected: []models.ResolvedAction{
				{Type: models.ResolvedActionType("explode")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ResolveActions(&tt.workflow))
		})
	}
}

func TestExecute_DuplicateRunSkipsActions(t *testing.T) {
	engine, mock := newTestEngine(t)

	// Conflict on (workflow_id, message_id): no id comes back, nothing runs.
	mock.ExpectQuery("INSERT INTO workflow_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	wf := &models.Workflow{ID: 3, Action: models.ActionCloseTicket}
	conv := &models.Conversation{ID: 5, Status: models.ConversationOpen}
	err := engine.Execute(context.Background(), wf, &models.Mailbox{ID: 1, Slug: "acme"}, conv, 101)

	require.NoError(t, err)
	assert.Equal(t, models.ConversationOpen, conv.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_CloseTicket(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("INSERT INTO workflow_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(50)))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations").
		WithArgs("closed", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO conversation_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE workflow_runs SET outcomes").
		WithArgs(sqlmock.AnyArg(), int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	wf := &models.Workflow{ID: 3, Name: "Close resolved", Action: models.ActionCloseTicket}
	conv := &models.Conversation{ID: 5, Status: models.ConversationOpen}
	err := engine.Execute(context.Background(), wf, &models.Mailbox{ID: 1, Slug: "acme"}, conv, 101)

	require.NoError(t, err)
	assert.Equal(t, models.ConversationClosed, conv.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_HaltsChainAfterFailedReply(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("INSERT INTO workflow_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(51)))

	// The organization gate fails the reply action; the status change after
	// it must never start, so no transaction begins.
	mock.ExpectQuery("SELECT(.|\n)*FROM organizations").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "paid", "trial_replies_limit", "automated_replies_on", "automated_replies_count",
		}).AddRow(int64(10), "Acme", false, 100, false, 0))

	mock.ExpectExec("UPDATE workflow_runs SET outcomes").
		WithArgs(sqlmock.AnyArg(), int64(51)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	wf := &models.Workflow{ID: 3, Action: models.ActionReplyAndClose, Message: strPtr("All sorted!")}
	conv := &models.Conversation{ID: 5, Status: models.ConversationOpen}
	err := engine.Execute(context.Background(), wf, &models.Mailbox{ID: 1, Slug: "acme", OrganizationID: 10}, conv, 101)

	require.NoError(t, err)
	// The failed chain is recorded, not rolled back, and the conversation
	// never closed.
	assert.Equal(t, models.ConversationOpen, conv.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_UnknownActionFails(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("INSERT INTO workflow_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(52)))
	mock.ExpectExec("UPDATE workflow_runs SET outcomes").
		WithArgs(sqlmock.AnyArg(), int64(52)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	wf := &models.Workflow{ID: 3, Action: models.WorkflowAction("explode")}
	conv := &models.Conversation{ID: 5, Status: models.ConversationOpen}
	err := engine.Execute(context.Background(), wf, &models.Mailbox{ID: 1, Slug: "acme"}, conv, 101)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
