// Package utils holds text cleanup helpers shared by the AI pipeline: HTML
// stripping for stored messages and whitespace normalization for prompt
// composition and draft matching.
package utils

import (
	"regexp"
	"strings"
)

var (
	base64ImagePattern = regexp.MustCompile(`data:image/[^;]+;base64,[^\s"']+`)
	htmlTagPattern     = regexp.MustCompile(`<[^>]*>`)
	brPattern          = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>`)
	multiNewline       = regexp.MustCompile(`\n{2,}`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// CleanUpTextForAI normalizes text before it enters a prompt: inline base64
// images are replaced with a marker and all whitespace is collapsed.
func CleanUpTextForAI(text string) string {
	if text == "" {
		return ""
	}
	withoutImages := base64ImagePattern.ReplaceAllString(text, "[IMAGE]")
	singleBreaks := multiNewline.ReplaceAllString(withoutImages, "\n")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(singleBreaks, " "))
}

// GenerateCleanedUpText derives the cached plain-text form of a message body.
// Block-level HTML boundaries become paragraph breaks, tags are stripped and
// paragraphs are joined with blank lines.
func GenerateCleanedUpText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}

	withBreaks := brPattern.ReplaceAllString(html, "\n")
	text := htmlTagPattern.ReplaceAllString(withBreaks, "")
	text = decodeEntities(text)

	var paragraphs []string
	for _, p := range strings.Split(text, "\n") {
		p = strings.TrimSpace(whitespacePattern.ReplaceAllString(p, " "))
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

// NormalizeForComparison strips tags and collapses whitespace so a sent
// reply can be matched against the AI draft it may have been copied from.
func NormalizeForComparison(message string) string {
	stripped := htmlTagPattern.ReplaceAllString(message, "")
	stripped = decodeEntities(stripped)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(stripped, " "))
}

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

func decodeEntities(text string) string {
	return entityReplacer.Replace(text)
}
