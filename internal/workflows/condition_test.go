package workflows

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_OversizedPromptNeverCallsModel(t *testing.T) {
	// The nil client would panic on any completion call: exceeding the
	// token limit must short-circuit to no-match before that.
	eval := NewEvaluator(nil, "gpt-4o-mini", zerolog.Nop())

	huge := strings.Repeat("customer message text ", 50000)
	matched, err := eval.Evaluate(context.Background(), 1, "customer asks for a refund", huge)

	require.NoError(t, err)
	assert.False(t, matched)
}
