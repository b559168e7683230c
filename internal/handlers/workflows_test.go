package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindWorkflowBody(t *testing.T, body string) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	_, err := bindWorkflowRequest(c)
	return err
}

func TestBindWorkflowRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "close ticket needs no message",
			body: `{"prompt":"customer says thanks","action":"close_ticket"}`,
		},
		{
			name:    "prompt is required",
			body:    `{"action":"close_ticket"}`,
			wantErr: "prompt is required",
		},
		{
			name:    "reply action without message",
			body:    `{"prompt":"refund request","action":"reply_and_close_ticket"}`,
			wantErr: "message is required",
		},
		{
			name: "reply action with message",
			body: `{"prompt":"refund request","action":"reply_and_close_ticket","message":"All sorted!"}`,
		},
		{
			name: "metadata reply needs no canned message",
			body: `{"prompt":"order status","action":"reply_and_set_open","autoReplyFromMetadata":true}`,
		},
		{
			name:    "assign without assignee",
			body:    `{"prompt":"billing question","action":"assign_user"}`,
			wantErr: "assignedUserId is required",
		},
		{
			name: "assign with assignee",
			body: `{"prompt":"billing question","action":"assign_user","assignedUserId":42}`,
		},
		{
			name:    "unknown action",
			body:    `{"prompt":"anything","action":"launch_rocket"}`,
			wantErr: "unknown workflow action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bindWorkflowBody(t, tt.body)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
