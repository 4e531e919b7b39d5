// Package drivers holds the upstream completion clients. A driver turns one
// rendered prompt into one completion; everything around it (retries, rate
// limits, concurrency) lives upstream of this package.
package drivers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"promptq/internal/config"
	"promptq/internal/prompt"
	"promptq/internal/work"
	logx "promptq/pkg/logx"
)

// Request is one completion call.
type Request struct {
	Messages        []prompt.Message
	MaxOutputTokens int
	Temperature     *float64
}

// Response is a successful completion.
type Response struct {
	// Text is the raw completion content.
	Text string

	// Incomplete marks a response that was cut off (e.g. the output token
	// cap was hit) but is still worth keeping.
	Incomplete bool

	Usage work.TokenUsage

	// Cost in dollars, when the model has pricing configured.
	Cost *float64
}

// Driver is a client for one upstream endpoint.
type Driver interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

type factory func(name string, mc config.ModelConfig, log logx.Logger) (Driver, error)

var factories = map[string]factory{
	"echo":   newEcho,
	"openai": newOpenAI,
}

// New builds the driver for one configured model.
func New(name string, mc config.ModelConfig, log logx.Logger) (Driver, error) {
	f, ok := factories[strings.ToLower(strings.TrimSpace(mc.Driver))]
	if !ok {
		return nil, fmt.Errorf("model %q: unknown driver %q (have: %s)", name, mc.Driver, strings.Join(driverNames(), ", "))
	}
	return f(name, mc, log)
}

func driverNames() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// estimateCost converts token usage to dollars using per-million-token rates.
// Returns nil when the model carries no pricing.
func estimateCost(mc config.ModelConfig, u work.TokenUsage) *float64 {
	if mc.InputCostPerMTok == 0 && mc.OutputCostPerMTok == 0 {
		return nil
	}
	c := float64(u.PromptTokens)/1e6*mc.InputCostPerMTok +
		float64(u.CompletionTokens)/1e6*mc.OutputCostPerMTok
	return &c
}
