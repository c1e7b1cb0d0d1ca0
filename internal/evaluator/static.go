package evaluator

import (
	"context"
	"strings"
)

// Static answers every query from fixed values. It backs local runs and the
// CLI when no provider credentials are configured.
type Static struct {
	Answer       string
	ConditionMet bool
	Sources      []string
}

func (s *Static) Name() string { return "static" }

func (s *Static) Search(_ context.Context, query string) (*SearchResult, error) {
	answer := s.Answer
	if answer == "" {
		answer = "no data for " + strings.TrimSpace(query)
	}
	return &SearchResult{Answer: answer, Sources: append([]string(nil), s.Sources...)}, nil
}

func (s *Static) Judge(_ context.Context, req JudgeRequest) (*Verdict, error) {
	v := &Verdict{ConditionMet: s.ConditionMet, Reasoning: "static provider"}
	if req.Search != nil {
		v.Answer = req.Search.Answer
		v.Sources = append([]string(nil), req.Search.Sources...)
	}
	return v, nil
}
