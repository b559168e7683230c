// Package metadata fetches per-customer context from a tenant-configured
// HTTP endpoint. Requests carry an HMAC-SHA256 signature over the email and
// timestamp so the tenant's endpoint can verify the caller.
package metadata

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"helpdesk/internal/models"
)

// APIError is a non-2xx response from the tenant endpoint. The workflow
// engine treats it as "no metadata available" and fails closed.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("metadata endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Client fetches customer metadata.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a metadata client with a bounded per-request timeout.
func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Sign computes the hex HMAC-SHA256 of "<email>:<timestamp>" under secret.
func Sign(secret, email string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d", email, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// Fetch retrieves metadata for one customer email. The endpoint returns a
// JSON object of the form {prompt, metadata}: an optional tenant-supplied
// prompt snippet plus a free-form data object. The two are rendered as
// distinct sections, with the metadata object re-indented for prompt
// inclusion.
func (c *Client) Fetch(ctx context.Context, endpoint *models.MetadataEndpoint, email string) (string, error) {
	timestamp := time.Now().Unix()

	u, err := url.Parse(endpoint.URL)
	if err != nil {
		return "", fmt.Errorf("invalid metadata endpoint URL: %w", err)
	}
	query := u.Query()
	query.Set("email", email)
	query.Set("timestamp", strconv.FormatInt(timestamp, 10))
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build metadata request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+Sign(endpoint.HMACSecret, email, timestamp))
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read metadata response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		Prompt   string          `json:"prompt"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("metadata response is not a JSON object: %w", err)
	}

	var sections []string
	if prompt := strings.TrimSpace(payload.Prompt); prompt != "" {
		sections = append(sections, prompt)
	}
	if len(payload.Metadata) > 0 && string(payload.Metadata) != "null" {
		var obj any
		if err := json.Unmarshal(payload.Metadata, &obj); err != nil {
			return "", fmt.Errorf("metadata field is not valid JSON: %w", err)
		}
		pretty, err := json.MarshalIndent(obj, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to render metadata: %w", err)
		}
		sections = append(sections, string(pretty))
	}
	if len(sections) == 0 {
		return "", fmt.Errorf("metadata response carried neither prompt nor metadata")
	}

	c.logger.Debug().Str("email", email).Int("status", resp.StatusCode).Msg("metadata fetched")
	return strings.Join(sections, "\n\n"), nil
}
