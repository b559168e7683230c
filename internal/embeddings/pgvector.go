// Package embeddings implements similarity retrieval over pgvector columns:
// past conversations, knowledge bank entries and crawled website pages.
package embeddings

import (
	"strconv"
	"strings"
)

// VectorLiteral renders a float32 slice in pgvector's input format,
// e.g. "[0.1,0.2,0.3]".
func VectorLiteral(vector []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
