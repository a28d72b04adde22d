package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GradingResponse is the structured assessment returned for one answer.
type GradingResponse struct {
	Score        float64
	Confidence   float64
	Feedback     string
	Reasoning    string
	Strengths    []string
	Improvements []string
}

// Outcome is the result of asking the service to grade an answer:
// either Parsed or ParseError.
type Outcome interface {
	outcome()
}

// Parsed carries a well-formed grading response.
type Parsed struct {
	GradingResponse
}

// ParseError carries the raw response that could not be used. Call failures
// are reported as a ParseError with an empty Raw.
type ParseError struct {
	Raw string
	Err error
}

func (Parsed) outcome()     {}
func (ParseError) outcome() {}

func (e ParseError) Error() string {
	if e.Raw == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (raw: %s)", e.Err, e.Raw)
}

type wireGrading struct {
	Score        *float64        `json:"score"`
	Confidence   *float64        `json:"confidence"`
	Feedback     string          `json:"feedback"`
	Reasoning    string          `json:"reasoning"`
	Strengths    json.RawMessage `json:"strengths"`
	Improvements json.RawMessage `json:"improvements"`
}

// ParseGrading decodes a raw completion into an Outcome. Score and
// confidence are required; strengths and improvements may be a string or a
// list of strings.
func ParseGrading(raw string) Outcome {
	body := extractJSONObject(raw)
	if body == "" {
		return ParseError{Raw: raw, Err: errors.New("no JSON object in response")}
	}
	var w wireGrading
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return ParseError{Raw: raw, Err: fmt.Errorf("parse grading response: %w", err)}
	}
	if w.Score == nil {
		return ParseError{Raw: raw, Err: errors.New("response has no score")}
	}
	if w.Confidence == nil {
		return ParseError{Raw: raw, Err: errors.New("response has no confidence")}
	}
	strengths, err := stringList(w.Strengths)
	if err != nil {
		return ParseError{Raw: raw, Err: fmt.Errorf("parse strengths: %w", err)}
	}
	improvements, err := stringList(w.Improvements)
	if err != nil {
		return ParseError{Raw: raw, Err: fmt.Errorf("parse improvements: %w", err)}
	}
	return Parsed{GradingResponse{
		Score:        *w.Score,
		Confidence:   *w.Confidence,
		Feedback:     strings.TrimSpace(w.Feedback),
		Reasoning:    strings.TrimSpace(w.Reasoning),
		Strengths:    strengths,
		Improvements: improvements,
	}}
}

// extractJSONObject strips markdown fences and surrounding prose.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return ""
	}
	return raw[start : end+1]
}

func stringList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	if single == "" {
		return nil, nil
	}
	return []string{single}, nil
}
