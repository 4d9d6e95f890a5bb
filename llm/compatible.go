package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/session"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// CompatibleClient speaks the OpenAI-style /chat/completions protocol used
// by GLM and by most self-hosted model servers.
type CompatibleClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewCompatibleClient(endpoint, apiKey, model string) *CompatibleClient {
	return &CompatibleClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// streamChunk is one SSE data payload of a streaming response.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *CompatibleClient) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	body := chatCompletionRequest{
		Model:       modelOr(req, c.model),
		Messages:    toChatMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

func (c *CompatibleClient) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	httpReq, err := c.newRequest(ctx, req, stream)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrGenerationFailure, "build request")
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrGenerationFailure, "send request")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Mark(fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
			errors.ErrGenerationFailure, "chat completion")
	}
	return resp, nil
}

func (c *CompatibleClient) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Mark(err, errors.ErrGenerationFailure, "decode response")
	}
	if len(out.Choices) == 0 {
		return "", errors.Wrapf(errors.ErrGenerationFailure, "response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func (c *CompatibleClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.do(ctx, req, true)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for chunk, err := range readSSE(resp.Body) {
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield("", errors.Mark(err, errors.ErrGenerationFailure, "read stream"))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// readSSE yields the delta text of every data line until "[DONE]" or EOF.
// Comments, other fields and payloads that are not valid chunks are
// skipped.
func readSSE(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}

func toChatMessages(msgs []session.Message) []chatMessage {
	out := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
