package responder

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestGenerateConversationSubject_ShortMessageUsedVerbatim(t *testing.T) {
	// The nil client proves short messages never reach the model.
	r := &Responder{llm: nil, logger: zerolog.Nop()}

	subject := r.GenerateConversationSubject(context.Background(), 1, "  Where is my order?  ")
	assert.Equal(t, "Where is my order?", subject)
}

func TestGenerateConversationSubject_ExactlyAtLimit(t *testing.T) {
	r := &Responder{llm: nil, logger: zerolog.Nop()}

	message := strings.Repeat("a", 50)
	assert.Equal(t, message, r.GenerateConversationSubject(context.Background(), 1, message))
}
