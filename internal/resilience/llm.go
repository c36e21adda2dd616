package resilience

import (
	"context"

	"github.com/MrWong99/voxview/pkg/provider/llm"
)

// LLM is an [llm.Provider] that fails over across several backends.
type LLM struct {
	group *Failover[llm.Provider]
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM returns a failover provider preferring primary.
func NewLLM(primaryName string, primary llm.Provider, cfg BreakerConfig) *LLM {
	return &LLM{group: NewFailover(primaryName, primary, cfg)}
}

// Add registers a fallback backend.
func (l *LLM) Add(name string, p llm.Provider) { l.group.Add(name, p) }

// Names lists the backends in try order.
func (l *LLM) Names() []string { return l.group.Names() }

// Complete returns the first successful completion.
func (l *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, l.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
