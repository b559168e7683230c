package responder

import (
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains []string
		excludes []string
	}{
		{
			name:     "paragraph and emphasis",
			input:    "Hello **there**",
			contains: []string{"<p>", "<strong>there</strong>"},
		},
		{
			name:     "gfm table",
			input:    "| a | b |\n|---|---|\n| 1 | 2 |",
			contains: []string{"<table>", "<td>1</td>"},
		},
		{
			name:     "links survive sanitization",
			input:    "[docs](https://acme.test/docs)",
			contains: []string{`href="https://acme.test/docs"`},
		},
		{
			name:     "script is stripped",
			input:    "hi <script>alert(1)</script> there",
			contains: []string{"hi"},
			excludes: []string{"<script>", "alert(1)"},
		},
		{
			name:     "raw event handlers are stripped",
			input:    `<img src="x" onerror="alert(1)">`,
			excludes: []string{"onerror"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			html, err := MarkdownToHTML(tt.input)
			require.NoError(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, html, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, html, unwanted)
			}
		})
	}
}

func TestStreamFilter(t *testing.T) {
	var received strings.Builder
	filter := NewStreamFilter(func(delta string) { received.WriteString(delta) })

	filter.Write(openai.ChatCompletionStreamChoiceDelta{Content: "Hello "})
	filter.Write(openai.ChatCompletionStreamChoiceDelta{
		Content:   `{"orderId":"A-1"}`,
		ToolCalls: []openai.ToolCall{{Index: intPtr(0)}},
	})
	filter.Write(openai.ChatCompletionStreamChoiceDelta{Content: ""})
	filter.Write(openai.ChatCompletionStreamChoiceDelta{Content: "there"})

	assert.Equal(t, "Hello there", received.String())
}

func TestStreamFilter_NilSink(t *testing.T) {
	filter := NewStreamFilter(nil)
	assert.NotPanics(t, func() {
		filter.Write(openai.ChatCompletionStreamChoiceDelta{Content: "dropped"})
	})
}

func intPtr(i int) *int { return &i }
