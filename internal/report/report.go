// Package report turns a finished interview transcript into a structured
// evaluation using a text model.
//
// The transcript is handed to the model verbatim in the "ROLE: text" form
// produced by the transcript package. The model is asked for a single JSON
// object; a reply wrapped in a Markdown code fence is accepted.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voxview/internal/observe"
	"github.com/MrWong99/voxview/pkg/provider/llm"
)

// ErrEmptyTranscript is returned when there is nothing to evaluate.
var ErrEmptyTranscript = errors.New("report: empty transcript")

// Interview describes the session being evaluated.
type Interview struct {
	Candidate string `json:"candidate,omitempty"`
	Role      string `json:"role,omitempty"`
	Language  string `json:"language,omitempty"`
	// Focus lists topics the evaluation should weigh.
	Focus []string `json:"focus,omitempty"`
}

// Report is the structured evaluation.
type Report struct {
	Summary        string    `json:"summary"`
	Strengths      []string  `json:"strengths"`
	Concerns       []string  `json:"concerns"`
	Score          int       `json:"score"`
	Recommendation string    `json:"recommendation"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// MaxScore is the top of the score scale.
const MaxScore = 10

// Option is a functional option for configuring a Generator.
type Option func(*Generator)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithTemperature sets the sampling temperature. Defaults to 0.2.
func WithTemperature(t float64) Option {
	return func(g *Generator) { g.temperature = t }
}

// WithMaxTokens caps the reply length. Defaults to 1024.
func WithMaxTokens(n int) Option {
	return func(g *Generator) { g.maxTokens = n }
}

// Generator produces reports from transcripts.
type Generator struct {
	provider    llm.Provider
	metrics     *observe.Metrics
	temperature float64
	maxTokens   int
	now         func() time.Time
}

// New creates a Generator backed by provider.
func New(provider llm.Provider, opts ...Option) *Generator {
	g := &Generator{
		provider:    provider,
		temperature: 0.2,
		maxTokens:   1024,
		now:         time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Generate evaluates transcript. The model is not contacted when the
// transcript is blank.
func (g *Generator) Generate(ctx context.Context, transcript string, iv Interview) (*Report, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, ErrEmptyTranscript
	}

	ctx, span := observe.StartSpan(ctx, "report.generate")
	defer span.End()
	start := time.Now()
	defer func() {
		g.metrics.ReportDuration.Record(ctx, time.Since(start).Seconds())
	}()

	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(iv),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: transcript},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("report: generate: %w", err)
	}
	if resp == nil {
		return nil, errors.New("report: generate: empty response")
	}

	r, err := parse(resp.Content)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	r.GeneratedAt = g.now()
	observe.Logger(ctx).Info("report: generated",
		"score", r.Score,
		"recommendation", r.Recommendation,
		"total_tokens", resp.Usage.TotalTokens,
	)
	return r, nil
}

func systemPrompt(iv Interview) string {
	var b strings.Builder
	b.WriteString("You evaluate job interviews. The user message is the full transcript, one line per turn, ")
	b.WriteString("prefixed USER: for the candidate and MODEL: for the interviewer.\n")
	if iv.Role != "" {
		fmt.Fprintf(&b, "Position: %s\n", iv.Role)
	}
	if iv.Candidate != "" {
		fmt.Fprintf(&b, "Candidate: %s\n", iv.Candidate)
	}
	if len(iv.Focus) > 0 {
		fmt.Fprintf(&b, "Weigh especially: %s\n", strings.Join(iv.Focus, ", "))
	}
	if iv.Language != "" {
		fmt.Fprintf(&b, "Write the report in language %s.\n", iv.Language)
	}
	fmt.Fprintf(&b, "Reply with one JSON object and nothing else, with keys "+
		`"summary" (string), "strengths" (array of strings), "concerns" (array of strings), `+
		`"score" (integer 0-%d) and "recommendation" (one of "hire", "maybe", "no_hire").`, MaxScore)
	return b.String()
}

// parse decodes the model's reply, tolerating a surrounding code fence or
// prose before and after the object.
func parse(content string) (*Report, error) {
	body := strings.TrimSpace(content)
	if i := strings.Index(body, "{"); i >= 0 {
		if j := strings.LastIndex(body, "}"); j > i {
			body = body[i : j+1]
		}
	}

	var r Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("report: decode model reply: %w", err)
	}
	if r.Summary == "" {
		return nil, errors.New("report: model reply has no summary")
	}
	r.Score = min(max(r.Score, 0), MaxScore)
	return &r, nil
}
