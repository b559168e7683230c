package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"helpdesk/internal/models"
)

var apiToolHTTPClient = &http.Client{Timeout: 15 * time.Second}

// buildAPITool converts a tenant-defined HTTP integration into a Tool.
// Declared parameters become the function schema; required parameters are
// validated before any network request is made. The customer's email, when
// configured and known, is injected automatically and hidden from the model.
func buildAPITool(def *models.MailboxTool, email *string) *Tool {
	properties := map[string]any{}
	var required []string
	for _, param := range def.Parameters {
		if def.CustomerEmailParam != nil && param.Name == *def.CustomerEmailParam {
			continue
		}
		paramType := param.Type
		if paramType == "" {
			paramType = "string"
		}
		properties[param.Name] = map[string]any{
			"type":        paramType,
			"description": param.Description,
		}
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return &Tool{
		Name:        def.Slug,
		Description: def.Description,
		Parameters:  schema,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeAPITool(ctx, def, email, args)
		},
	}
}

func executeAPITool(ctx context.Context, def *models.MailboxTool, email *string, args map[string]any) (string, error) {
	if def.CustomerEmailParam != nil {
		if email == nil || *email == "" {
			return "", fmt.Errorf("tool %s requires the customer's email, which is not known", def.Slug)
		}
		args[*def.CustomerEmailParam] = *email
	}

	// Fail before any network I/O when required parameters are missing.
	for _, param := range def.Parameters {
		if !param.Required {
			continue
		}
		value, ok := args[param.Name]
		if !ok || value == nil || value == "" {
			return "", fmt.Errorf("missing required parameter %q for tool %s", param.Name, def.Slug)
		}
	}

	endpoint := def.URL
	queryValues := url.Values{}
	bodyValues := map[string]any{}

	for _, param := range def.Parameters {
		value, ok := args[param.Name]
		if !ok {
			continue
		}
		switch param.In {
		case models.ParamInPath:
			endpoint = strings.ReplaceAll(endpoint, "{"+param.Name+"}", fmt.Sprint(value))
		case models.ParamInQuery:
			queryValues.Set(param.Name, fmt.Sprint(value))
		default:
			bodyValues[param.Name] = value
		}
	}

	if len(queryValues) > 0 {
		separator := "?"
		if strings.Contains(endpoint, "?") {
			separator = "&"
		}
		endpoint += separator + queryValues.Encode()
	}

	var body io.Reader
	method := strings.ToUpper(def.RequestMethod)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && len(bodyValues) > 0 {
		payload, err := json.Marshal(bodyValues)
		if err != nil {
			return "", fmt.Errorf("failed to encode tool request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if def.AuthToken != nil && *def.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+*def.AuthToken)
	}

	resp, err := apiToolHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read tool response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("tool %s returned %d: %s", def.Slug, resp.StatusCode, string(responseBody))
	}
	return string(responseBody), nil
}
