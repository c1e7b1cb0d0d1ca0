package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultPerplexityURL = "https://api.perplexity.ai"

type PerplexityConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Perplexity is a grounded-search provider: every completion is answered
// from live web results and carries its citations.
type Perplexity struct {
	client *resty.Client
	model  string
}

type pplxMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type pplxRequest struct {
	Model       string        `json:"model"`
	Messages    []pplxMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

type pplxResponse struct {
	Choices []struct {
		Message pplxMessage `json:"message"`
	} `json:"choices"`
	Citations     []string `json:"citations"`
	SearchResults []struct {
		URL string `json:"url"`
	} `json:"search_results"`
}

func NewPerplexity(cfg PerplexityConfig) (*Perplexity, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("perplexity api key is missing")
	}
	if cfg.Model == "" {
		cfg.Model = "sonar"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultPerplexityURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Perplexity{client: client, model: cfg.Model}, nil
}

func (p *Perplexity) Name() string { return "perplexity" }

func (p *Perplexity) Search(ctx context.Context, query string) (*SearchResult, error) {
	resp, err := p.complete(ctx, []pplxMessage{
		{Role: "system", Content: searchSystemPrompt},
		{Role: "user", Content: query},
	})
	if err != nil {
		return nil, err
	}
	return &SearchResult{Answer: resp.Choices[0].Message.Content, Sources: resp.sources()}, nil
}

func (p *Perplexity) Judge(ctx context.Context, req JudgeRequest) (*Verdict, error) {
	resp, err := p.complete(ctx, []pplxMessage{
		{Role: "system", Content: judgeSystemPrompt},
		{Role: "user", Content: judgePrompt(req)},
	})
	if err != nil {
		return nil, err
	}
	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	verdict.Sources = mergeSources(verdict.Sources, resp.sources())
	return verdict, nil
}

func (p *Perplexity) complete(ctx context.Context, messages []pplxMessage) (*pplxResponse, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(pplxRequest{Model: p.model, Messages: messages, Temperature: 0.1}).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := statusError(resp.StatusCode()); err != nil {
		return nil, fmt.Errorf("perplexity: %w", err)
	}
	// Decoded by hand: the provider's Content-Type is not reliable.
	var out pplxResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: decoding perplexity response: %w", ErrMalformed, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: perplexity returned no choices", ErrMalformed)
	}
	return &out, nil
}

func (r *pplxResponse) sources() []string {
	urls := append([]string{}, r.Citations...)
	for _, sr := range r.SearchResults {
		urls = append(urls, sr.URL)
	}
	return mergeSources(urls)
}

// statusError classifies a provider HTTP status.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrTransport, code)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrRejected, code)
	}
}
