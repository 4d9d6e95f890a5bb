package llm

import (
	"context"
	"iter"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/session"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient falls back to GEMINI_API_KEY when apiKey is empty.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{client: client, model: model}, nil
}

// chat prepares a fresh model and session per request, so concurrent calls
// never share generation settings. It returns the parts of the final turn.
func (g *GeminiClient) chat(req Request) (*genai.ChatSession, []genai.Part, error) {
	system, msgs := splitSystem(req.Messages)
	if len(msgs) == 0 {
		return nil, nil, errors.Wrapf(errors.ErrGenerationFailure, "no message to send to Gemini")
	}

	model := g.client.GenerativeModel(modelOr(req, g.model))
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	history := convertMessagesToGeminiContent(msgs)
	cs := model.StartChat()
	cs.History = history[:len(history)-1]
	return cs, history[len(history)-1].Parts, nil
}

func (g *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	cs, parts, err := g.chat(req)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return "", errors.Mark(err, errors.ErrGenerationFailure, "failed to send message to Gemini")
	}
	return geminiText(resp), nil
}

func (g *GeminiClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cs, parts, err := g.chat(req)
		if err != nil {
			yield("", err)
			return
		}
		it := cs.SendMessageStream(ctx, parts...)
		for {
			resp, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				yield("", errors.Mark(err, errors.ErrGenerationFailure, "Gemini stream"))
				return
			}
			text := geminiText(resp)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
func convertMessagesToGeminiContent(messages []session.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == session.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			text += string(t)
		}
	}
	return text
}
