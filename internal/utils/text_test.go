package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanUpTextForAI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
		{
			name:     "collapses whitespace",
			input:    "hello   world\n\n\nagain",
			expected: "hello world again",
		},
		{
			name:     "replaces inline base64 images",
			input:    `see data:image/png;base64,iVBORw0KGgoAAAANSUhEUg here`,
			expected: "see [IMAGE] here",
		},
		{
			name:     "trims surrounding whitespace",
			input:    "  padded  ",
			expected: "padded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanUpTextForAI(tt.input))
		})
	}
}

func TestGenerateCleanedUpText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty input",
			input:    "   ",
			expected: "",
		},
		{
			name:     "strips tags and keeps paragraphs",
			input:    "<p>Hello <b>there</b></p><p>Second paragraph</p>",
			expected: "Hello there\n\nSecond paragraph",
		},
		{
			name:     "br becomes paragraph break",
			input:    "line one<br/>line two",
			expected: "line one\n\nline two",
		},
		{
			name:     "decodes entities",
			input:    "<div>a &amp; b &lt;ok&gt;</div>",
			expected: "a & b <ok>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GenerateCleanedUpText(tt.input))
		})
	}
}

func TestNormalizeForComparison(t *testing.T) {
	// A reply pasted from a rendered draft should normalize to the same
	// string as the draft's HTML source.
	draft := "<p>Hi!</p>\n<p>Your refund is on its way.</p>"
	pasted := "Hi!  Your refund is on its way."

	assert.Equal(t, NormalizeForComparison(draft), NormalizeForComparison(pasted))
	assert.NotEqual(t, NormalizeForComparison(draft), NormalizeForComparison("Hi! Your refund was denied."))
}

func TestNormalizeForComparison_LargeInput(t *testing.T) {
	input := strings.Repeat("<p>chunk</p> ", 1000)
	result := NormalizeForComparison(input)
	assert.False(t, strings.Contains(result, "<"))
	assert.False(t, strings.Contains(result, "  "))
}
