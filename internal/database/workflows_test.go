package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/internal/models"
)

func TestCreateWorkflowRun_Idempotent(t *testing.T) {
	db, mock := newMockDB(t)
	run := &models.WorkflowRun{
		WorkflowID:     3,
		MessageID:      101,
		ConversationID: 5,
		MailboxID:      1,
		Snapshot:       models.WorkflowSnapshot{Name: "Refunds", Action: models.ActionReplyAndClose},
	}

	// First firing inserts and reports the new id.
	mock.ExpectQuery("INSERT INTO workflow_runs").
		WithArgs(int64(3), int64(101), int64(5), int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(50)))

	inserted, err := CreateWorkflowRun(context.Background(), db, run)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(50), run.ID)

	// A redelivered job hits the conflict clause: no row comes back and the
	// caller knows to skip execution.
	mock.ExpectQuery("INSERT INTO workflow_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	inserted, err = CreateWorkflowRun(context.Background(), db, run)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWorkflow_MissingRowIsNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("UPDATE workflows").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := UpdateWorkflow(context.Background(), db, &models.Workflow{ID: 99, MailboxID: 1})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReorderWorkflows(t *testing.T) {
	db, mock := newMockDB(t)

	// Listed ids get their new slots in order.
	mock.ExpectExec("UPDATE workflows SET display_order").
		WithArgs(0, int64(7), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE workflows SET display_order").
		WithArgs(1, int64(3), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Unlisted ones shift after the listed block, then the order densifies.
	mock.ExpectExec("UPDATE workflows SET display_order = display_order").
		WithArgs(2, int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE workflows w").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	err := ReorderWorkflows(context.Background(), db, 1, []int64{7, 3})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReorderWorkflows_EmptyListIsNoOp(t *testing.T) {
	db, mock := newMockDB(t)
	err := ReorderWorkflows(context.Background(), db, 1, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
