package llm

import (
	"context"
	"encoding/json"
	"iter"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/session"
)

// BedrockClient calls Anthropic models hosted on AWS Bedrock.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient requires AWS credentials to be configured in the
// environment. BEDROCK_ENDPOINT_URL overrides the service endpoint.
func NewBedrockClient(ctx context.Context, modelID string) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*bedrockruntime.Options)
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg, opts...),
		modelID: modelID,
	}, nil
}

func (b *BedrockClient) Generate(ctx context.Context, req Request) (string, error) {
	body, err := createAnthropicRequest(req)
	if err != nil {
		return "", errors.Mark(err, errors.ErrGenerationFailure, "failed to create Anthropic request")
	}
	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelOr(req, b.modelID)),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", errors.Mark(err, errors.ErrGenerationFailure, "failed to invoke Bedrock model")
	}
	return processBedrockResponse(resp.Body)
}

func (b *BedrockClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := createAnthropicRequest(req)
		if err != nil {
			yield("", errors.Mark(err, errors.ErrGenerationFailure, "failed to create Anthropic request"))
			return
		}
		out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(modelOr(req, b.modelID)),
			ContentType: aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			yield("", errors.Mark(err, errors.ErrGenerationFailure, "failed to invoke Bedrock model"))
			return
		}
		stream := out.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			text, ok := parseBedrockChunk(chunk.Value.Bytes)
			if !ok {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", errors.Mark(err, errors.ErrGenerationFailure, "Bedrock stream"))
		}
	}
}

// convertMessagesToAnthropicFormat converts our internal message format to
// the Anthropic JSON shape Bedrock expects, returning the joined system
// prompt separately.
func convertMessagesToAnthropicFormat(messages []session.Message) ([]map[string]any, string) {
	system, rest := splitSystem(messages)
	var out []map[string]any
	for _, msg := range rest {
		role := "user"
		if msg.Role == session.RoleAssistant {
			if msg.Content == "" {
				continue
			}
			role = "assistant"
		}
		out = append(out, map[string]any{
			"role": role,
			"content": []map[string]any{
				{"type": "text", "text": msg.Content},
			},
		})
	}
	return out, system
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(req Request) ([]byte, error) {
	messages, system := convertMessagesToAnthropicFormat(req.Messages)
	body := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokensOr(req, anthropicDefaultMaxTokens),
		"messages":          messages,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	return json.Marshal(body)
}

// processBedrockResponse extracts the text blocks of an InvokeModel reply.
func processBedrockResponse(body []byte) (string, error) {
	var response struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", errors.Mark(err, errors.ErrGenerationFailure, "failed to unmarshal Bedrock response")
	}
	if response.Error != nil {
		return "", errors.Wrapf(errors.ErrGenerationFailure, "Bedrock API error: %v", response.Error)
	}
	var text string
	for _, c := range response.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return text, nil
}

// parseBedrockChunk returns the text of a content_block_delta event. Other
// events and malformed payloads report ok=false.
func parseBedrockChunk(data []byte) (string, bool) {
	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return "", false
	}
	if event.Type != "content_block_delta" || event.Delta.Type != "text_delta" || event.Delta.Text == "" {
		return "", false
	}
	return event.Delta.Text, true
}
