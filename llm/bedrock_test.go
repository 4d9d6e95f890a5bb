package llm

import (
	"encoding/json"
	"testing"

	"github.com/m4xw311/agentforge/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMessagesToAnthropicFormat(t *testing.T) {
	messages := []session.Message{
		{Role: session.RoleSystem, Content: "You are a planner."},
		{Role: session.RoleUser, Content: "Hello, world!"},
		{Role: session.RoleAssistant, Content: "Hello! How can I help you?"},
		{Role: session.RoleAssistant, Content: ""},
	}

	result, system := convertMessagesToAnthropicFormat(messages)
	assert.Equal(t, "You are a planner.", system)
	require.Len(t, result, 2)
	assert.Equal(t, "user", result[0]["role"])
	assert.Equal(t, "assistant", result[1]["role"])
}

func TestCreateAnthropicRequest(t *testing.T) {
	body, err := createAnthropicRequest(Request{
		Messages: []session.Message{
			{Role: session.RoleSystem, Content: "sys"},
			{Role: session.RoleUser, Content: "Hello!"},
		},
		Temperature: Temp(0.7),
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "bedrock-2023-05-31", decoded["anthropic_version"])
	assert.Equal(t, float64(anthropicDefaultMaxTokens), decoded["max_tokens"])
	assert.Equal(t, "sys", decoded["system"])
	assert.Equal(t, 0.7, decoded["temperature"])
}

func TestCreateAnthropicRequest_ZeroTemperature(t *testing.T) {
	body, err := createAnthropicRequest(Request{
		Messages:    []session.Message{{Role: session.RoleUser, Content: "Hello!"}},
		Temperature: Temp(0),
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	temp, ok := decoded["temperature"]
	require.True(t, ok)
	assert.Equal(t, 0.0, temp)
}

func TestProcessBedrockResponse(t *testing.T) {
	text, err := processBedrockResponse([]byte(`{"content":[{"type":"text","text":"a"},{"type":"tool_use"},{"type":"text","text":"b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "ab", text)

	_, err = processBedrockResponse([]byte(`{"error":"throttled"}`))
	assert.Error(t, err)

	_, err = processBedrockResponse([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseBedrockChunk(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
		ok   bool
	}{
		{"text delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`, "hi", true},
		{"message start", `{"type":"message_start"}`, "", false},
		{"malformed", `{"type":`, "", false},
		{"empty text", `{"type":"content_block_delta","delta":{"type":"text_delta","text":""}}`, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseBedrockChunk([]byte(tc.data))
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
