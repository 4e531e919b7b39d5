package drivers

import (
	"context"

	"promptq/internal/config"
	"promptq/internal/prompt"
	"promptq/internal/work"
	logx "promptq/pkg/logx"
)

// echoDriver returns the rendered user message as the completion. It exists
// for dry runs: pipeline, templates, and output records can be checked
// without an upstream account.
type echoDriver struct {
	name string
	mc   config.ModelConfig
}

func newEcho(name string, mc config.ModelConfig, _ logx.Logger) (Driver, error) {
	return &echoDriver{name: name, mc: mc}, nil
}

func (d *echoDriver) Name() string { return d.name }

func (d *echoDriver) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	var in, out string
	for _, m := range req.Messages {
		in += m.Content
		if m.Role == prompt.RoleUser {
			out = m.Content
		}
	}

	usage := work.TokenUsage{
		PromptTokens:     approxTokens(in),
		CompletionTokens: approxTokens(out),
	}
	return Response{
		Text:  out,
		Usage: usage,
		Cost:  estimateCost(d.mc, usage),
	}, nil
}

// approxTokens is the usual 4-chars-per-token rule of thumb.
func approxTokens(s string) uint64 {
	if s == "" {
		return 0
	}
	return uint64(len(s)+3) / 4
}
