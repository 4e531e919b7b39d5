package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"promptq/internal/config"
	"promptq/internal/prompt"
	"promptq/internal/retry"
	"promptq/internal/work"
	logx "promptq/pkg/logx"
)

const maxResponseSize = 10 << 20 // 10 MiB

// openaiDriver speaks the chat-completions wire format, which most hosted
// and self-hosted inference servers accept.
type openaiDriver struct {
	name string
	mc   config.ModelConfig

	baseURL string
	apiKey  string
	hc      *http.Client
	log     logx.Logger
}

func newOpenAI(name string, mc config.ModelConfig, log logx.Logger) (Driver, error) {
	base := strings.TrimRight(strings.TrimSpace(mc.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("model %q: base_url is required for the openai driver", name)
	}
	if strings.TrimSpace(mc.Model) == "" {
		return nil, fmt.Errorf("model %q: model is required for the openai driver", name)
	}
	return &openaiDriver{
		name:    name,
		mc:      mc,
		baseURL: base,
		apiKey:  mc.APIKey(),
		// No client-level timeout: each attempt is bounded by its context.
		hc:  &http.Client{},
		log: log,
	}, nil
}

func (d *openaiDriver) Name() string { return d.name }

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []prompt.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     uint64 `json:"prompt_tokens"`
		CompletionTokens uint64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (d *openaiDriver) Complete(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       d.mc.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return Response{}, retry.NoRetry(fmt.Errorf("encode request: %w", err))
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, retry.NoRetry(err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.hc.Do(hreq)
	if err != nil {
		// Transport-level failure: no status to judge by.
		return Response{}, fmt.Errorf("request %s: %w", d.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, statusErr(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		// A 2xx with a malformed body won't get better on retry.
		return Response{}, retry.NoRetry(fmt.Errorf("decode response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return Response{}, retry.NoRetry(fmt.Errorf("response has no choices"))
	}

	choice := cr.Choices[0]
	usage := work.TokenUsage{
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
	}
	return Response{
		Text:       choice.Message.Content,
		Incomplete: choice.FinishReason == "length",
		Usage:      usage,
		Cost:       estimateCost(d.mc, usage),
	}, nil
}
