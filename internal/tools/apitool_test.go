package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/internal/models"
)

func strPtr(s string) *string { return &s }

func TestBuildAPITool_SchemaHidesCustomerEmailParam(t *testing.T) {
	def := &models.MailboxTool{
		Slug:        "check_order",
		Description: "Look up an order",
		Parameters: models.ToolParameters{
			{Name: "orderId", Type: "string", In: models.ParamInQuery, Required: true},
			{Name: "email", Type: "string", In: models.ParamInQuery, Required: true},
		},
		CustomerEmailParam: strPtr("email"),
	}

	tool := buildAPITool(def, strPtr("jo@example.com"))

	require.Equal(t, "check_order", tool.Name)
	properties := tool.Parameters["properties"].(map[string]any)
	assert.Contains(t, properties, "orderId")
	assert.NotContains(t, properties, "email")
	assert.Equal(t, []string{"orderId"}, tool.Parameters["required"])
}

func TestExecuteAPITool_MissingRequiredParamFailsBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	def := &models.MailboxTool{
		Slug: "check_order",
		URL:  server.URL,
		Parameters: models.ToolParameters{
			{Name: "orderId", In: models.ParamInQuery, Required: true},
		},
	}

	_, err := executeAPITool(context.Background(), def, nil, map[string]any{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "orderId")
	assert.Equal(t, int32(0), hits.Load())
}

func TestExecuteAPITool_RequiresKnownEmail(t *testing.T) {
	def := &models.MailboxTool{
		Slug:               "check_order",
		CustomerEmailParam: strPtr("email"),
	}

	_, err := executeAPITool(context.Background(), def, nil, map[string]any{})
	assert.Error(t, err)

	empty := ""
	_, err = executeAPITool(context.Background(), def, &empty, map[string]any{})
	assert.Error(t, err)
}

func TestExecuteAPITool_BindsParameters(t *testing.T) {
	var gotPath, gotAuth, gotQuery string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("verbose")
		gotAuth = r.Header.Get("Authorization")
		payload, _ := io.ReadAll(r.Body)
		json.Unmarshal(payload, &gotBody)
		w.Write([]byte(`{"status":"shipped"}`))
	}))
	defer server.Close()

	def := &models.MailboxTool{
		Slug:          "check_order",
		URL:           server.URL + "/orders/{orderId}",
		RequestMethod: "POST",
		AuthToken:     strPtr("tool-token"),
		Parameters: models.ToolParameters{
			{Name: "orderId", In: models.ParamInPath, Required: true},
			{Name: "verbose", In: models.ParamInQuery},
			{Name: "note", In: models.ParamInBody},
		},
	}

	result, err := executeAPITool(context.Background(), def, nil, map[string]any{
		"orderId": "A-1",
		"verbose": true,
		"note":    "customer asked",
	})

	require.NoError(t, err)
	assert.Equal(t, "/orders/A-1", gotPath)
	assert.Equal(t, "true", gotQuery)
	assert.Equal(t, "Bearer tool-token", gotAuth)
	assert.Equal(t, "customer asked", gotBody["note"])
	assert.Equal(t, `{"status":"shipped"}`, result)
}

func TestExecuteAPITool_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	def := &models.MailboxTool{Slug: "check_order", URL: server.URL}

	_, err := executeAPITool(context.Background(), def, nil, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
