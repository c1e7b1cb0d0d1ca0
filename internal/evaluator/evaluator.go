// Package evaluator turns a search query and a natural-language condition
// into a verdict by running a grounded web search and asking an LLM to
// judge the condition against it.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opencron/condwatch/internal/failure"
)

var (
	// ErrTransport covers network failures, timeouts, rate limits and 5xx
	// answers. The next scheduled run retries.
	ErrTransport = errors.New("provider transport error")
	// ErrMalformed means the provider answered but the answer could not be parsed.
	ErrMalformed = errors.New("malformed provider response")
	// ErrUnsupported means the configured provider cannot perform the operation.
	ErrUnsupported = errors.New("operation not supported by provider")
	// ErrRejected means the provider refused the request (auth, bad request).
	ErrRejected = errors.New("provider rejected request")
)

// Verdict is the outcome of one condition evaluation.
type Verdict struct {
	ConditionMet bool     `json:"condition_met"`
	Answer       string   `json:"answer"`
	Reasoning    string   `json:"reasoning"`
	Sources      []string `json:"sources"`
}

// SearchResult is a grounded search answer with its citations.
type SearchResult struct {
	Answer  string
	Sources []string
}

type JudgeRequest struct {
	Query     string
	Condition string
	Search    *SearchResult
}

// Provider is one search/LLM backend. Operations a backend cannot perform
// return ErrUnsupported.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) (*SearchResult, error)
	Judge(ctx context.Context, req JudgeRequest) (*Verdict, error)
}

type Evaluator struct {
	search  Provider
	judge   Provider
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

type Option func(*Evaluator)

// WithTimeout bounds one whole evaluation (search and judge).
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// WithRequestsPerMinute throttles evaluations sent to the providers.
func WithRequestsPerMinute(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(float64(n)/60), 1)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

func New(search, judge Provider, opts ...Option) *Evaluator {
	e := &Evaluator{
		search:  search,
		judge:   judge,
		timeout: 60 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate runs the search and judges the condition against its result.
// Returned errors are classified with the failure package.
func (e *Evaluator) Evaluate(ctx context.Context, query, condition string) (*Verdict, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, classify(fmt.Errorf("waiting for rate limit: %w: %w", ErrTransport, err))
		}
	}

	logger := e.logger.With(zap.String("search_provider", e.search.Name()), zap.String("judge_provider", e.judge.Name()))
	started := time.Now()

	result, err := e.search.Search(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("searching with %s: %w", e.search.Name(), contextErr(ctx, err)))
	}

	verdict, err := e.judge.Judge(ctx, JudgeRequest{Query: query, Condition: condition, Search: result})
	if err != nil {
		return nil, classify(fmt.Errorf("judging with %s: %w", e.judge.Name(), contextErr(ctx, err)))
	}

	verdict.Answer = strings.TrimSpace(verdict.Answer)
	if verdict.Answer == "" {
		verdict.Answer = strings.TrimSpace(result.Answer)
	}
	verdict.Sources = mergeSources(verdict.Sources, result.Sources)

	logger.Debug("condition evaluated",
		zap.Bool("condition_met", verdict.ConditionMet),
		zap.Int("sources", len(verdict.Sources)),
		zap.Duration("took", time.Since(started)),
	)
	return verdict, nil
}

// contextErr maps an expired deadline to a transport error, a timeout is
// treated the same as a network failure.
func contextErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if !errors.Is(err, ErrTransport) {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	return err
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnsupported):
		return failure.Fatal(err)
	case errors.Is(err, ErrRejected), errors.Is(err, ErrMalformed):
		return failure.Permanent(err)
	default:
		return failure.Transient(err)
	}
}

// mergeSources keeps the first occurrence of each URL, judge citations first.
func mergeSources(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
