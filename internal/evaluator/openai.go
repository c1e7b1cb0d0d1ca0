package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAI judges conditions with chat completions. Grounded search is only
// available on the search-preview models.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is missing")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(conf), model: cfg.Model}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) searchCapable() bool {
	return strings.Contains(o.model, "search")
}

func (o *OpenAI) Search(ctx context.Context, query string) (*SearchResult, error) {
	if !o.searchCapable() {
		return nil, fmt.Errorf("openai model %s has no web search: %w", o.model, ErrUnsupported)
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: searchSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
	})
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", ErrMalformed)
	}
	content := resp.Choices[0].Message.Content
	return &SearchResult{Answer: content, Sources: extractURLs(content)}, nil
}

func (o *OpenAI) Judge(ctx context.Context, req JudgeRequest) (*Verdict, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: judgeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: judgePrompt(req)},
		},
	}
	if !o.searchCapable() {
		chatReq.Temperature = 0.1
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", ErrMalformed)
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if se := statusError(apiErr.HTTPStatusCode); se != nil {
			return fmt.Errorf("openai: %w: %s", se, apiErr.Message)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if se := statusError(reqErr.HTTPStatusCode); se != nil {
			return fmt.Errorf("openai: %w", se)
		}
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
