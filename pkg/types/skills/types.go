// Package skills defines the types shared by the skill executor, its cache
// and its audit log: the execution record, the structured-or-text result
// union and the error taxonomy.
package skills

import (
	"encoding/json"
	"strings"
	"time"
)

// ResultType tags which arm of Result is populated.
type ResultType string

const (
	ResultStructured ResultType = "structured"
	ResultText       ResultType = "text"
)

// TextEnvelopeKey is the single field used to wrap plain-text output.
const TextEnvelopeKey = "output"

// Result is what a skill produced on standard output: either a parsed JSON
// value or the raw trimmed text.
type Result struct {
	Type  ResultType `json:"type"`
	Value any        `json:"value,omitempty"`
	Text  string     `json:"text,omitempty"`
}

// StructuredResult wraps an already decoded JSON value.
func StructuredResult(v any) *Result {
	return &Result{Type: ResultStructured, Value: v}
}

// TextResult wraps plain text output.
func TextResult(s string) *Result {
	return &Result{Type: ResultText, Text: s}
}

// ParseOutput decodes stdout as JSON and falls back to the trimmed text.
// Invalid UTF-8 is replaced with U+FFFD so a result reads the same after it
// has been through the JSON cache. It never fails.
func ParseOutput(stdout []byte) *Result {
	trimmed := strings.TrimSpace(strings.ToValidUTF8(string(stdout), "\uFFFD"))

	var v any
	if trimmed != "" && json.Unmarshal([]byte(trimmed), &v) == nil {
		return StructuredResult(v)
	}
	return TextResult(trimmed)
}

// Payload returns the value handed back to callers. Text output is wrapped
// as {"output": text}.
func (r *Result) Payload() any {
	if r == nil {
		return nil
	}
	if r.Type == ResultText {
		return map[string]any{TextEnvelopeKey: r.Text}
	}
	return r.Value
}

// Options are the per-call knobs accepted by the executor.
type Options struct {
	UseCache bool          `json:"useCache"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	CacheTTL time.Duration `json:"cacheTTL,omitempty"`
}

// ExecutionRecord is the complete outcome of one invocation. It is never
// mutated after the executor returns it.
type ExecutionRecord struct {
	ID        string           `json:"id"`
	Skill     string           `json:"skill"`
	Context   map[string]any   `json:"context,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
	Success   bool             `json:"success"`
	Result    *Result          `json:"result,omitempty"`
	Error     *ErrorDescriptor `json:"error,omitempty"`
	Elapsed   time.Duration    `json:"elapsed"`
	Cached    bool             `json:"cached"`
}

// ErrorMessage returns the error message or an empty string on success.
func (r *ExecutionRecord) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}
