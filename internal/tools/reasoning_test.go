package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithReasoning_PrefixesResult(t *testing.T) {
	base := &Tool{
		Name: "lookup_order",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "order A-1 shipped yesterday", nil
		},
	}

	wrapped := WithReasoning(base, "the customer asked about shipping status")

	result, err := wrapped.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "the customer asked about shipping status\n\norder A-1 shipped yesterday", result)

	// The original tool keeps its own contract.
	result, err = base.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "order A-1 shipped yesterday", result)
}

func TestWithReasoning_EmptyExplanationIsIdentity(t *testing.T) {
	base := &Tool{Name: "lookup_order"}
	assert.Same(t, base, WithReasoning(base, ""))
	assert.Same(t, base, WithReasoning(base, "   \n"))
}

func TestWithReasoning_ErrorsPassThroughUnprefixed(t *testing.T) {
	base := &Tool{
		Name: "lookup_order",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("upstream unavailable")
		},
	}

	result, err := WithReasoning(base, "why").Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Empty(t, result)
}
