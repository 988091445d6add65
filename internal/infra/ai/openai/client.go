package openai

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/ai/prompt"
)

const maxTokens = 512

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429).
var ErrQuotaExceeded = errors.New("ai quota exceeded")

type Client struct {
	*openai.Client
	Model string
}

func NewClient(apiKey, model string) *Client {
	return &Client{Client: openai.NewClient(apiKey), Model: model}
}

// Summarize implements the triage Summarizer port.
func (c *Client) Summarize(ctx context.Context, a *domain.Analysis, steps []domain.StepOutcome) (string, error) {
	model := c.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.TriageSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: prompt.TriageUserPrompt(a, steps)},
		},
	}
	// reasoning models (o1/o3/o4/gpt-5*) pakai MaxCompletionTokens
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5") {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
	}

	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
			return "", ErrQuotaExceeded
		}
		return "", errors.Wrap(err, "create chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}

	triage, err := prompt.ParseTriage(resp.Choices[0].Message.Content)
	if err != nil {
		return "", errors.Wrap(err, "parse triage")
	}
	return triage.String(), nil
}
