package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/internal/models"
)

func TestSign(t *testing.T) {
	sig := Sign("secret", "jo@example.com", 1700000000)
	// Deterministic: same inputs, same signature.
	assert.Equal(t, sig, Sign("secret", "jo@example.com", 1700000000))
	assert.NotEqual(t, sig, Sign("other-secret", "jo@example.com", 1700000000))
	assert.NotEqual(t, sig, Sign("secret", "jo@example.com", 1700000001))
	assert.Len(t, sig, 64)
}

func TestFetch(t *testing.T) {
	var gotEmail, gotAuth, gotTimestamp string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEmail = r.URL.Query().Get("email")
		gotTimestamp = r.URL.Query().Get("timestamp")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prompt":"Customer is on the pro plan; be brief.","metadata":{"plan":"pro","orders":3}}`))
	}))
	defer server.Close()

	client := NewClient(zerolog.Nop())
	endpoint := &models.MetadataEndpoint{URL: server.URL, HMACSecret: "secret"}

	result, err := client.Fetch(context.Background(), endpoint, "jo@example.com")

	require.NoError(t, err)
	assert.Equal(t, "jo@example.com", gotEmail)
	assert.NotEmpty(t, gotTimestamp)
	assert.Contains(t, gotAuth, "Bearer ")
	// The prompt snippet leads, then the metadata object re-indented.
	assert.True(t, strings.HasPrefix(result, "Customer is on the pro plan; be brief.\n\n"), result)
	assert.Contains(t, result, `"plan": "pro"`)
}

func TestFetch_MetadataOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"metadata":{"plan":"free"}}`))
	}))
	defer server.Close()

	client := NewClient(zerolog.Nop())
	endpoint := &models.MetadataEndpoint{URL: server.URL, HMACSecret: "secret"}

	result, err := client.Fetch(context.Background(), endpoint, "jo@example.com")

	require.NoError(t, err)
	assert.Contains(t, result, `"plan": "free"`)
	assert.NotContains(t, result, "null")
}

func TestFetch_EmptyPayloadIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(zerolog.Nop())
	endpoint := &models.MetadataEndpoint{URL: server.URL, HMACSecret: "secret"}

	_, err := client.Fetch(context.Background(), endpoint, "jo@example.com")
	assert.Error(t, err)
}

func TestFetch_NonSuccessIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown customer", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(zerolog.Nop())
	endpoint := &models.MetadataEndpoint{URL: server.URL, HMACSecret: "secret"}

	_, err := client.Fetch(context.Background(), endpoint, "jo@example.com")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestFetch_NonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	client := NewClient(zerolog.Nop())
	endpoint := &models.MetadataEndpoint{URL: server.URL, HMACSecret: "secret"}

	_, err := client.Fetch(context.Background(), endpoint, "jo@example.com")
	assert.Error(t, err)
}
