// Package llm wraps the OpenAI API behind a retrying client that meters
// every call into the usage ledger. Three operations are exposed: free-text
// completion, structured-object extraction and embeddings. Retry applies
// here and only here; side-effecting callers (workflow actions) must not be
// re-run and therefore never go through this retry policy.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"helpdesk/internal/config"
	"helpdesk/internal/models"
)

// UsageRecorder persists one metering row per successful LLM call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, event *models.AIUsageEvent) error
}

// Client is the retrying, metered OpenAI wrapper.
type Client struct {
	api      *openai.Client
	cfg      *config.Config
	recorder UsageRecorder
	logger   zerolog.Logger
}

// NewClient builds the client from config. The HTTP timeout bounds a single
// attempt; the retry policy bounds the whole call.
func NewClient(cfg *config.Config, recorder UsageRecorder, logger zerolog.Logger) *Client {
	apiConfig := openai.DefaultConfig(cfg.OpenAIKey)
	apiConfig.HTTPClient = &http.Client{Timeout: time.Duration(cfg.OpenAITimeout) * time.Second}
	return &Client{
		api:      openai.NewClientWithConfig(apiConfig),
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
	}
}

// CompletionParams describes one completion call. QueryType labels the
// ledger row so billing can attribute spend to a feature.
type CompletionParams struct {
	MailboxID   int64
	QueryType   string
	Model       string
	Messages    []openai.ChatCompletionMessage
	MaxTokens   int
	Temperature float32
	Tools       []openai.Tool
}

// retryPolicy: up to 3 attempts, exponential backoff from 1s, factor 2,
// jitter, capped at 60s between attempts.
func retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 60 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx)
}

// CreateCompletion runs one chat completion with retry and meters it.
func (c *Client) CreateCompletion(ctx context.Context, params CompletionParams) (*openai.ChatCompletionResponse, error) {
	if params.Model == "" {
		params.Model = c.cfg.CompletionModel
	}

	req := openai.ChatCompletionRequest{
		Model:       params.Model,
		Messages:    params.Messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		Tools:       params.Tools,
	}

	var resp openai.ChatCompletionResponse
	err := backoff.Retry(func() error {
		var attemptErr error
		resp, attemptErr = c.api.CreateChatCompletion(ctx, req)
		if attemptErr != nil {
			c.logger.Warn().Err(attemptErr).Str("model", params.Model).Msg("completion attempt failed")
		}
		return attemptErr
	}, retryPolicy(ctx))
	if err != nil {
		return nil, fmt.Errorf("completion failed after retries: %w", err)
	}

	c.recordUsage(ctx, params.MailboxID, params.Model, params.QueryType, resp.Usage)
	return &resp, nil
}

// CreateStructured extracts a JSON object conforming to dest's shape. A
// malformed response counts as an attempt failure and is retried.
func (c *Client) CreateStructured(ctx context.Context, params CompletionParams, dest any) error {
	if params.Model == "" {
		params.Model = c.cfg.MiniModel
	}

	req := openai.ChatCompletionRequest{
		Model:       params.Model,
		Messages:    params.Messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var usage openai.Usage
	err := backoff.Retry(func() error {
		resp, attemptErr := c.api.CreateChatCompletion(ctx, req)
		if attemptErr != nil {
			c.logger.Warn().Err(attemptErr).Str("model", params.Model).Msg("structured completion attempt failed")
			return attemptErr
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("structured completion returned no choices")
		}
		if unmarshalErr := json.Unmarshal([]byte(resp.Choices[0].Message.Content), dest); unmarshalErr != nil {
			return fmt.Errorf("structured completion returned invalid JSON: %w", unmarshalErr)
		}
		usage = resp.Usage
		return nil
	}, retryPolicy(ctx))
	if err != nil {
		return fmt.Errorf("structured completion failed after retries: %w", err)
	}

	c.recordUsage(ctx, params.MailboxID, params.Model, params.QueryType, usage)
	return nil
}

// CreateEmbeddings embeds the given texts, metering prompt tokens.
func (c *Client) CreateEmbeddings(ctx context.Context, mailboxID int64, queryType string, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
	}

	var resp openai.EmbeddingResponse
	err := backoff.Retry(func() error {
		var attemptErr error
		resp, attemptErr = c.api.CreateEmbeddings(ctx, req)
		if attemptErr != nil {
			c.logger.Warn().Err(attemptErr).Msg("embedding attempt failed")
		}
		return attemptErr
	}, retryPolicy(ctx))
	if err != nil {
		return nil, fmt.Errorf("embeddings failed after retries: %w", err)
	}

	c.recordUsage(ctx, mailboxID, c.cfg.EmbeddingModel, queryType, resp.Usage)

	embeddings := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		embeddings[i] = data.Embedding
	}
	return embeddings, nil
}

// CreateEmbedding embeds a single text.
func (c *Client) CreateEmbedding(ctx context.Context, mailboxID int64, queryType, text string) ([]float32, error) {
	embeddings, err := c.CreateEmbeddings(ctx, mailboxID, queryType, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// CreateStream opens a streaming completion. Retry covers stream creation
// only; a broken stream mid-flight is surfaced to the caller.
func (c *Client) CreateStream(ctx context.Context, params CompletionParams) (*openai.ChatCompletionStream, error) {
	if params.Model == "" {
		params.Model = c.cfg.CompletionModel
	}

	req := openai.ChatCompletionRequest{
		Model:       params.Model,
		Messages:    params.Messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		Tools:       params.Tools,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	var stream *openai.ChatCompletionStream
	err := backoff.Retry(func() error {
		var attemptErr error
		stream, attemptErr = c.api.CreateChatCompletionStream(ctx, req)
		if attemptErr != nil {
			c.logger.Warn().Err(attemptErr).Str("model", params.Model).Msg("stream open attempt failed")
		}
		return attemptErr
	}, retryPolicy(ctx))
	if err != nil {
		return nil, fmt.Errorf("stream open failed after retries: %w", err)
	}
	return stream, nil
}

// RecordStreamUsage meters a finished stream. The final stream chunk
// carries usage when IncludeUsage is set.
func (c *Client) RecordStreamUsage(ctx context.Context, mailboxID int64, model, queryType string, usage *openai.Usage) {
	if usage == nil {
		return
	}
	c.recordUsage(ctx, mailboxID, model, queryType, *usage)
}

var thinkBlockPattern = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// reasoningTimeout bounds the secondary think-step model. Evaluation mode
// widens it because offline evals tolerate latency that chat cannot.
func (c *Client) reasoningTimeout() time.Duration {
	if c.cfg.EvaluationMode {
		return 50 * time.Second
	}
	return 30 * time.Second
}

// Reason runs the optional reasoning pass and extracts the delimited think
// block. Any failure (no model configured, timeout, API error, missing
// block) returns nil; reasoning is never fatal to the primary response.
func (c *Client) Reason(ctx context.Context, mailboxID int64, messages []openai.ChatCompletionMessage) *string {
	if c.cfg.ReasoningModel == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.reasoningTimeout())
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.cfg.ReasoningModel,
		Messages: messages,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("reasoning pass failed, proceeding without it")
		return nil
	}

	c.recordUsage(ctx, mailboxID, c.cfg.ReasoningModel, "reasoning", resp.Usage)

	if len(resp.Choices) == 0 {
		return nil
	}
	match := thinkBlockPattern.FindStringSubmatch(resp.Choices[0].Message.Content)
	if match == nil {
		return nil
	}
	reasoning := strings.TrimSpace(match[1])
	if reasoning == "" {
		return nil
	}
	return &reasoning
}

// recordUsage writes the ledger row. Metering failures are logged, never
// propagated: billing must not break the product.
func (c *Client) recordUsage(ctx context.Context, mailboxID int64, model, queryType string, usage openai.Usage) {
	if c.recorder == nil {
		return
	}

	cached := 0
	if usage.PromptTokensDetails != nil {
		cached = usage.PromptTokensDetails.CachedTokens
	}

	event := &models.AIUsageEvent{
		MailboxID:    mailboxID,
		ModelName:    model,
		QueryType:    queryType,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		CachedTokens: cached,
		Cost:         FormatCost(Cost(model, usage.PromptTokens, usage.CompletionTokens, cached)),
	}
	if err := c.recorder.RecordUsage(ctx, event); err != nil {
		c.logger.Error().Err(err).Str("model", model).Str("queryType", queryType).Msg("failed to record AI usage")
	}
}
