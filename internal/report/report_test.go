package report_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxview/internal/observe"
	"github.com/MrWong99/voxview/internal/report"
	"github.com/MrWong99/voxview/pkg/provider/llm"
	"github.com/MrWong99/voxview/pkg/provider/llm/mock"
)

func newGenerator(t *testing.T, p llm.Provider) *report.Generator {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return report.New(p, report.WithMetrics(m))
}

const transcriptText = "MODEL: Tell me about yourself.\nUSER: I build audio pipelines in Go."

func TestGenerate_PassesTranscriptVerbatim(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"summary":"Solid.","strengths":["Go"],"concerns":[],"score":8,"recommendation":"hire"}`,
	}}
	g := newGenerator(t, p)

	r, err := g.Generate(context.Background(), transcriptText, report.Interview{Role: "Backend engineer", Candidate: "Ada"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if r.Summary != "Solid." || r.Score != 8 || r.Recommendation != "hire" {
		t.Errorf("report = %+v", r)
	}
	if r.GeneratedAt.IsZero() {
		t.Error("GeneratedAt not set")
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(calls))
	}
	req := calls[0].Req
	if len(req.Messages) != 1 || req.Messages[0].Content != transcriptText {
		t.Errorf("messages = %+v, want the transcript verbatim", req.Messages)
	}
	if !strings.Contains(req.SystemPrompt, "Backend engineer") || !strings.Contains(req.SystemPrompt, "Ada") {
		t.Errorf("system prompt missing interview details: %q", req.SystemPrompt)
	}
}

func TestGenerate_EmptyTranscript(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	g := newGenerator(t, p)
	for _, text := range []string{"", "  \n "} {
		if _, err := g.Generate(context.Background(), text, report.Interview{}); !errors.Is(err, report.ErrEmptyTranscript) {
			t.Errorf("Generate(%q) err = %v, want ErrEmptyTranscript", text, err)
		}
	}
	if n := len(p.Calls()); n != 0 {
		t.Errorf("provider called %d times, want 0", n)
	}
}

func TestGenerate_ReplyFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		content   string
		wantScore int
		wantErr   bool
	}{
		{
			name:      "fenced",
			content:   "```json\n{\"summary\":\"ok\",\"score\":6}\n```",
			wantScore: 6,
		},
		{
			name:      "prose around object",
			content:   "Here is the evaluation:\n{\"summary\":\"ok\",\"score\":4}\nThanks.",
			wantScore: 4,
		},
		{
			name:      "score clamped",
			content:   `{"summary":"ok","score":42}`,
			wantScore: report.MaxScore,
		},
		{name: "not json", content: "I cannot evaluate this.", wantErr: true},
		{name: "missing summary", content: `{"score":5}`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := newGenerator(t, &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: tc.content}})
			r, err := g.Generate(context.Background(), transcriptText, report.Interview{})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", r)
				}
				return
			}
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if r.Score != tc.wantScore {
				t.Errorf("score = %d, want %d", r.Score, tc.wantScore)
			}
		})
	}
}

func TestGenerate_ProviderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("rate limited")
	g := newGenerator(t, &mock.Provider{CompleteErr: boom})
	if _, err := g.Generate(context.Background(), transcriptText, report.Interview{}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestGenerate_NilResponse(t *testing.T) {
	t.Parallel()

	g := newGenerator(t, &mock.Provider{})
	if _, err := g.Generate(context.Background(), transcriptText, report.Interview{}); err == nil {
		t.Error("expected error for nil response")
	}
}
