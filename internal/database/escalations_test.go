package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/internal/jobs"
	"helpdesk/internal/models"
	"helpdesk/internal/realtime"
)

var escalationRowColumns = []string{
	"id", "conversation_id", "user_id", "resolved_at", "resolved_by", "created_at",
}

func TestCreateEscalation_AlreadyEscalated(t *testing.T) {
	db, mock := newMockDB(t)
	conv := &models.Conversation{ID: 5, Status: models.ConversationEscalated}

	mock.ExpectQuery("SELECT(.|\n)*FROM escalations").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(escalationRowColumns).
			AddRow(int64(1), int64(5), nil, nil, nil, time.Now()))

	_, err := CreateEscalation(context.Background(), db, &Outbox{}, testMailbox(), conv, nil, nil)

	assert.ErrorIs(t, err, ErrAlreadyEscalated)
	// No insert may happen after the duplicate check trips.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEscalation_MovesConversationToEscalated(t *testing.T) {
	db, mock := newMockDB(t)
	outbox := &Outbox{}
	conv := &models.Conversation{ID: 5, Status: models.ConversationOpen}

	mock.ExpectQuery("SELECT(.|\n)*FROM escalations").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(escalationRowColumns))

	mock.ExpectQuery("INSERT INTO escalations").
		WithArgs(int64(5), int64(7)).
		WillReturnRows(sqlmock.NewRows(escalationRowColumns).
			AddRow(int64(33), int64(5), int64(7), nil, nil, time.Now()))

	mock.ExpectExec("UPDATE conversations").
		WithArgs("escalated", nil, nil, sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO conversation_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	// The dedicated human-support audit entry.
	mock.ExpectExec("INSERT INTO conversation_events").
		WillReturnResult(sqlmock.NewResult(2, 1))

	userID := int64(7)
	reason := "customer is furious"
	esc, err := CreateEscalation(context.Background(), db, outbox, testMailbox(), conv, &userID, &reason)

	require.NoError(t, err)
	assert.Equal(t, int64(33), esc.ID)

	require.Len(t, outbox.events, 2)
	assert.Equal(t, realtime.EventConversationUpdated, outbox.events[0].Name)
	assert.Equal(t, realtime.EventConversationStatusChanged, outbox.events[1].Name)

	require.Len(t, outbox.dispatch, 1)
	assert.Equal(t, jobs.EventEscalationCreated, outbox.dispatch[0].event)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEscalation_AlreadyEscalatedStatusSkipsUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	outbox := &Outbox{}
	conv := &models.Conversation{ID: 5, Status: models.ConversationEscalated}

	mock.ExpectQuery("SELECT(.|\n)*FROM escalations").
		WillReturnRows(sqlmock.NewRows(escalationRowColumns))
	mock.ExpectQuery("INSERT INTO escalations").
		WillReturnRows(sqlmock.NewRows(escalationRowColumns).
			AddRow(int64(34), int64(5), nil, nil, nil, time.Now()))
	mock.ExpectExec("INSERT INTO conversation_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := CreateEscalation(context.Background(), db, outbox, testMailbox(), conv, nil, nil)

	require.NoError(t, err)
	assert.Empty(t, outbox.events)
	assert.NoError(t, mock.ExpectationsWereMet())
}
