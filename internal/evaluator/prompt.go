package evaluator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const searchSystemPrompt = "You are a research assistant. Answer the question using current web sources. " +
	"Be factual and concise, and cite the pages you used."

const judgeSystemPrompt = "You decide whether a monitoring condition is met based on search results. " +
	"Reply with a single JSON object and nothing else."

// judgePrompt asks the model for a strict JSON verdict.
func judgePrompt(req JudgeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search query: %s\n", req.Query)
	fmt.Fprintf(&b, "Condition: %s\n\n", req.Condition)
	if req.Search != nil {
		fmt.Fprintf(&b, "Search answer:\n%s\n", req.Search.Answer)
		if len(req.Search.Sources) > 0 {
			b.WriteString("\nSources:\n")
			for _, s := range req.Search.Sources {
				fmt.Fprintf(&b, "- %s\n", s)
			}
		}
	}
	b.WriteString(`
Return JSON with exactly these fields:
{"condition_met": true|false, "answer": "<short factual answer to the query>", "reasoning": "<why the condition is or is not met>", "sources": ["<url>", ...]}`)
	return b.String()
}

var (
	fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	urlRe   = regexp.MustCompile(`https?://[^\s)\]>"']+`)
)

// parseVerdict extracts the JSON verdict from a model reply. Code fences and
// prose around the object are tolerated.
func parseVerdict(text string) (*Verdict, error) {
	candidate := strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformed)
	}

	var raw struct {
		ConditionMet *bool    `json:"condition_met"`
		Answer       string   `json:"answer"`
		Reasoning    string   `json:"reasoning"`
		Sources      []string `json:"sources"`
	}
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if raw.ConditionMet == nil {
		return nil, fmt.Errorf("%w: condition_met missing", ErrMalformed)
	}
	return &Verdict{
		ConditionMet: *raw.ConditionMet,
		Answer:       raw.Answer,
		Reasoning:    raw.Reasoning,
		Sources:      raw.Sources,
	}, nil
}

// extractURLs finds cited links in free text, for providers that do not
// return citations separately.
func extractURLs(text string) []string {
	var out []string
	for _, u := range urlRe.FindAllString(text, -1) {
		out = append(out, strings.TrimRight(u, ".,;:"))
	}
	return mergeSources(out)
}
