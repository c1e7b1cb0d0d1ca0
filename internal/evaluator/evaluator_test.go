package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencron/condwatch/internal/failure"
)

type fakeProvider struct {
	name      string
	search    *SearchResult
	searchErr error
	verdict   *Verdict
	judgeErr  error
	block     bool
	judged    []JudgeRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(ctx context.Context, _ string) (*SearchResult, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.search, nil
}

func (f *fakeProvider) Judge(_ context.Context, req JudgeRequest) (*Verdict, error) {
	f.judged = append(f.judged, req)
	if f.judgeErr != nil {
		return nil, f.judgeErr
	}
	v := *f.verdict
	return &v, nil
}

func TestEvaluateMergesSearchIntoVerdict(t *testing.T) {
	p := &fakeProvider{
		name:    "fake",
		search:  &SearchResult{Answer: "Price is $499", Sources: []string{"https://a.example", "https://b.example"}},
		verdict: &Verdict{ConditionMet: true, Reasoning: "below 500", Sources: []string{"https://b.example", "https://c.example"}},
	}
	e := New(p, p)

	v, err := e.Evaluate(context.Background(), "iphone price", "price below 500")
	require.NoError(t, err)
	assert.True(t, v.ConditionMet)
	assert.Equal(t, "Price is $499", v.Answer)
	assert.Equal(t, []string{"https://b.example", "https://c.example", "https://a.example"}, v.Sources)

	require.Len(t, p.judged, 1)
	assert.Equal(t, "iphone price", p.judged[0].Query)
	assert.Equal(t, "price below 500", p.judged[0].Condition)
	assert.Same(t, p.search, p.judged[0].Search)
}

func TestEvaluateKeepsJudgeAnswer(t *testing.T) {
	p := &fakeProvider{
		name:    "fake",
		search:  &SearchResult{Answer: "long search text"},
		verdict: &Verdict{Answer: "  $499  "},
	}
	v, err := New(p, p).Evaluate(context.Background(), "q", "c")
	require.NoError(t, err)
	assert.Equal(t, "$499", v.Answer)
	assert.Empty(t, v.Sources)
	assert.NotNil(t, v.Sources)
}

func TestEvaluateErrorClasses(t *testing.T) {
	cases := []struct {
		name      string
		searchErr error
		judgeErr  error
		class     failure.Class
		is        error
	}{
		{"transport", errors.Join(ErrTransport, errors.New("HTTP 503")), nil, failure.ClassTransient, ErrTransport},
		{"malformed", nil, ErrMalformed, failure.ClassPermanent, ErrMalformed},
		{"rejected", ErrRejected, nil, failure.ClassPermanent, ErrRejected},
		{"unsupported", ErrUnsupported, nil, failure.ClassFatal, ErrUnsupported},
		{"unknown", errors.New("boom"), nil, failure.ClassTransient, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeProvider{
				name:      "fake",
				search:    &SearchResult{Answer: "x"},
				searchErr: tc.searchErr,
				verdict:   &Verdict{},
				judgeErr:  tc.judgeErr,
			}
			_, err := New(p, p).Evaluate(context.Background(), "q", "c")
			require.Error(t, err)
			assert.Equal(t, tc.class, failure.Classify(err))
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}
}

func TestEvaluateTimeoutIsTransport(t *testing.T) {
	p := &fakeProvider{name: "slow", block: true}
	e := New(p, p, WithTimeout(20*time.Millisecond))

	_, err := e.Evaluate(context.Background(), "q", "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, failure.IsRetryable(err))
}

func TestEvaluateRateLimitHonoursContext(t *testing.T) {
	p := &fakeProvider{name: "fake", search: &SearchResult{Answer: "a"}, verdict: &Verdict{}}
	e := New(p, p, WithRequestsPerMinute(1), WithTimeout(50*time.Millisecond))

	_, err := e.Evaluate(context.Background(), "q", "c")
	require.NoError(t, err)

	// the bucket is empty now and refills once per minute
	_, err = e.Evaluate(context.Background(), "q", "c")
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
}

func TestMergeSources(t *testing.T) {
	got := mergeSources([]string{" https://a ", "", "https://b"}, nil, []string{"https://a", "https://c"})
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, got)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider("static", ProviderConfig{Static: Static{Answer: "fixed"}})
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())

	_, err = NewProvider("perplexity", ProviderConfig{})
	assert.Error(t, err)

	p, err = NewProvider("openai", ProviderConfig{OpenAI: OpenAIConfig{APIKey: "k"}})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = NewProvider("gopher", ProviderConfig{})
	assert.ErrorContains(t, err, "unknown evaluator provider")
}

func TestStaticProvider(t *testing.T) {
	s := &Static{Answer: "42", ConditionMet: true, Sources: []string{"https://s.example"}}
	v, err := New(s, s).Evaluate(context.Background(), "meaning", "is 42")
	require.NoError(t, err)
	assert.Equal(t, &Verdict{ConditionMet: true, Answer: "42", Reasoning: "static provider", Sources: []string{"https://s.example"}}, v)
}
