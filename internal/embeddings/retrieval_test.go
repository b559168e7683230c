package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetriever(t *testing.T) (*Retriever, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewRetriever(sqlx.NewDb(mockDB, "sqlmock"), nil, zerolog.Nop()), mock
}

var conversationResultColumns = []string{
	"id", "slug", "mailbox_id", "subject", "email_from", "status",
	"assigned_to_user_id", "assigned_to_ai", "summary", "embedding_text",
	"created_at", "updated_at", "closed_at", "last_user_email_created_at",
	"similarity",
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[]", VectorLiteral(nil))
	assert.Equal(t, "[0.5]", VectorLiteral([]float32{0.5}))
	assert.Equal(t, "[0.1,0.2,0.3]", VectorLiteral([]float32{0.1, 0.2, 0.3}))
	assert.Equal(t, "[-1,0,1]", VectorLiteral([]float32{-1, 0, 1}))
}

func TestFindSimilarConversations_NoMatchesIsNil(t *testing.T) {
	r, mock := newTestRetriever(t)

	mock.ExpectQuery("SELECT(.|\n)*FROM conversations").
		WithArgs("[0.5]", int64(1), "current-slug", SimilarityThreshold, ConversationLimit).
		WillReturnRows(sqlmock.NewRows(conversationResultColumns))

	results, err := r.FindSimilarConversations(context.Background(), 1, []float32{0.5}, "current-slug")

	require.NoError(t, err)
	// nil tells the caller to omit the section entirely.
	assert.Nil(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSimilarConversations_LoadsMessages(t *testing.T) {
	r, mock := newTestRetriever(t)
	now := time.Now()

	mock.ExpectQuery("SELECT(.|\n)*FROM conversations").
		WillReturnRows(sqlmock.NewRows(conversationResultColumns).
			AddRow(int64(8), "other-slug", int64(1), "Refund request", nil, "closed",
				nil, false, nil, nil, now, now, now, nil, 0.72))

	mock.ExpectQuery("SELECT(.|\n)*FROM messages").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "conversation_id", "role", "status", "body", "cleaned_up_text",
			"response_to_id", "user_id", "email_from", "email_cc", "metadata",
			"is_perfect", "created_at", "deleted_at",
		}).AddRow(int64(80), int64(8), "user", nil, "where is my refund?", "where is my refund?",
			nil, nil, nil, nil, []byte(`{}`), false, now, nil))

	results, err := r.FindSimilarConversations(context.Background(), 1, []float32{0.5}, "current-slug")

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.72, results[0].Similarity)
	require.Len(t, results[0].Messages, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSimilarInKnowledgeBank_NoMatchesIsEmptySlice(t *testing.T) {
	r, mock := newTestRetriever(t)

	mock.ExpectQuery("SELECT(.|\n)*FROM knowledge_entries").
		WithArgs("[0.5]", int64(1), SimilarityThreshold, KnowledgeLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "mailbox_id", "content", "enabled", "similarity"}))

	results, err := r.FindSimilarInKnowledgeBank(context.Background(), 1, []float32{0.5})

	require.NoError(t, err)
	require.NotNil(t, results)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSimilarWebsitePages_NoMatchesIsEmptySlice(t *testing.T) {
	r, mock := newTestRetriever(t)

	mock.ExpectQuery("SELECT(.|\n)*FROM website_pages").
		WithArgs("[0.5]", int64(1), SimilarityThreshold, WebsitePageLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "website_id", "url", "title", "markdown", "similarity"}))

	results, err := r.FindSimilarWebsitePages(context.Background(), 1, []float32{0.5})

	require.NoError(t, err)
	require.NotNil(t, results)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSimilarWebsitePages_ExcludesDeletedWebsites(t *testing.T) {
	r, mock := newTestRetriever(t)

	// The join must filter on the website's soft-delete marker, so pages of
	// a removed website never reach a prompt.
	mock.ExpectQuery(`SELECT(.|\n)*JOIN websites w(.|\n)*w\.deleted_at IS NULL`).
		WithArgs("[0.5]", int64(1), SimilarityThreshold, WebsitePageLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "website_id", "url", "title", "markdown", "similarity"}).
			AddRow(int64(3), int64(2), "https://acme.test/faq", "FAQ", "## FAQ", 0.81))

	results, err := r.FindSimilarWebsitePages(context.Background(), 1, []float32{0.5})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "FAQ", results[0].Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}
