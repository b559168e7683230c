// Package workflows evaluates tenant automation rules against inbound
// messages and executes the resulting action chains.
package workflows

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"helpdesk/internal/llm"
	"helpdesk/internal/prompt"
)

const oracleInstructions = `You are evaluating whether a customer support message matches a condition.
Respond with exactly TRUE or FALSE and nothing else.
If the message clearly matches the condition, respond TRUE.
If it does not match, or if you are unsure, respond FALSE.`

// Evaluator decides whether a free-form natural-language condition matches
// a message. The model is used as a strict binary oracle: ambiguity
// defaults to non-match, because a false positive fires an automation on
// the wrong conversation while a false negative merely leaves it for a
// human.
type Evaluator struct {
	llm    *llm.Client
	model  string
	logger zerolog.Logger
}

// NewEvaluator creates an evaluator using the given model.
func NewEvaluator(client *llm.Client, model string, logger zerolog.Logger) *Evaluator {
	return &Evaluator{llm: client, model: model, logger: logger}
}

// Evaluate returns whether messageText matches condition. When the combined
// prompt exceeds the model's token limit, evaluation short-circuits to
// false without calling the model. Any response other than exactly TRUE or
// FALSE is an evaluator failure and counts as false.
func (e *Evaluator) Evaluate(ctx context.Context, mailboxID int64, condition, messageText string) (bool, error) {
	userPrompt := "Condition: " + condition + "\n\nMessage:\n" + messageText

	if prompt.CountTokens(oracleInstructions)+prompt.CountTokens(userPrompt) > prompt.ModelTokenLimit {
		e.logger.Warn().
			Int64("mailboxId", mailboxID).
			Msg("workflow condition prompt exceeds token limit, treating as no match")
		return false, nil
	}

	resp, err := e.llm.CreateCompletion(ctx, llm.CompletionParams{
		MailboxID: mailboxID,
		QueryType: "workflow_condition",
		Model:     e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: oracleInstructions},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens: 5,
	})
	if err != nil {
		return false, err
	}
	if len(resp.Choices) == 0 {
		e.logger.Error().Int64("mailboxId", mailboxID).Msg("condition evaluator returned no choices")
		return false, nil
	}

	switch strings.TrimSpace(resp.Choices[0].Message.Content) {
	case "TRUE":
		return true, nil
	case "FALSE":
		return false, nil
	default:
		e.logger.Error().
			Int64("mailboxId", mailboxID).
			Str("response", resp.Choices[0].Message.Content).
			Msg("condition evaluator returned non-boolean output")
		return false, nil
	}
}
