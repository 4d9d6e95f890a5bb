// Package llm talks to text-generation backends. Every provider offers a
// one-shot Generate and a lazily consumed Stream of text fragments.
package llm

import (
	"context"
	"iter"
	"strings"

	"github.com/m4xw311/agentforge/config"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/session"
)

// Request is one generation call. A nil Temperature and a zero MaxTokens
// leave the provider defaults in place; an empty Model uses the client's
// model. A Temperature of 0 is sent as 0.
type Request struct {
	Model       string
	Messages    []session.Message
	Temperature *float64
	MaxTokens   int
}

// Temp returns t as a Request temperature.
func Temp(t float64) *float64 { return &t }

// Client is implemented by every provider.
//
// Stream yields fragments in order and then stops. An error is yielded at
// most once, as the last element. Breaking out of the range loop releases
// the upstream connection. A stream cannot be restarted.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// New builds the client selected by cfg.LLMClient.
func New(ctx context.Context, cfg *config.Config) (Client, error) {
	switch strings.ToLower(cfg.LLMClient) {
	case "glm", "":
		if cfg.APIKey == "" {
			return nil, errors.Wrapf(errors.ErrInvalidConfig, "GLM_API_KEY is required for the glm backend")
		}
		return NewCompatibleClient(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "compatible":
		return NewCompatibleClient(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.Model)
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.Model)
	case "bedrock":
		return NewBedrockClient(ctx, cfg.Model)
	case "gemini":
		return NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
	case "mock":
		return NewMock(), nil
	default:
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "unknown llm client %q", cfg.LLMClient)
	}
}

// Collect drains a stream into one string, stopping at the first error.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

// failed is a stream that yields only err.
func failed(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

func modelOr(req Request, fallback string) string {
	if req.Model != "" {
		return req.Model
	}
	return fallback
}

func maxTokensOr(req Request, fallback int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return fallback
}

// splitSystem separates system turns from the conversation for providers
// that take the system prompt out of band. Multiple system turns are joined.
func splitSystem(msgs []session.Message) (string, []session.Message) {
	var (
		system []string
		rest   []session.Message
	)
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
