package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/session"
	"github.com/m4xw311/mcpharness/tools"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	model *genai.GenerativeModel
}

// NewGeminiLLMClient requires GEMINI_API_KEY.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.Wrapf(errors.ErrMissingCredential, "GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiLLMClient{model: client.GenerativeModel(modelName)}, nil
}

func (g *GeminiLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	history, system := convertMessagesToGeminiContent(messages)
	if len(history) == 0 {
		return nil, errors.New("no messages to send to Gemini")
	}
	g.model.Tools = convertToolsToGeminiTools(availableTools)
	g.model.SystemInstruction = nil
	if system != "" {
		g.model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}

	last := history[len(history)-1]
	chat := g.model.StartChat()
	chat.History = history[:len(history)-1]
	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}
	return processGeminiResponse(resp)
}

// convertMessagesToGeminiContent maps the session onto Gemini's two roles.
// Tool results become FunctionResponse parts of a user turn; consecutive
// results are merged into one turn.
func convertMessagesToGeminiContent(messages []session.Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	var system string
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			system = msg.Content
		case session.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				c.Parts = append(c.Parts, genai.FunctionCall{Name: tc.Name, Args: argsOrEmpty(tc.Args)})
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}
		case session.RoleTool:
			if len(msg.ToolCalls) == 0 {
				continue
			}
			part := genai.FunctionResponse{
				Name:     msg.ToolCalls[0].Name,
				Response: map[string]any{"result": msg.Content},
			}
			if n := len(contents); n > 0 && contents[n-1].Role == "user" {
				if _, ok := contents[n-1].Parts[0].(genai.FunctionResponse); ok {
					contents[n-1].Parts = append(contents[n-1].Parts, part)
					continue
				}
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{part}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	return contents, system
}

func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range ts {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  geminiSchema(toolSchema(t)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

var geminiTypes = map[string]genai.Type{
	"object":  genai.TypeObject,
	"array":   genai.TypeArray,
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
}

// geminiSchema converts the JSON schema subset Gemini understands. Keywords
// it has no field for are dropped.
func geminiSchema(s map[string]any) *genai.Schema {
	out := &genai.Schema{}
	switch typ := s["type"].(type) {
	case string:
		out.Type = geminiTypes[typ]
	case []any:
		// ["integer", "null"] style unions: take the first non-null type.
		for _, v := range typ {
			if name, ok := v.(string); ok && name != "null" {
				out.Type = geminiTypes[name]
				break
			}
		}
	}
	if d, ok := s["description"].(string); ok {
		out.Description = d
	}
	if f, ok := s["format"].(string); ok {
		out.Format = f
	}
	if enum, ok := s["enum"].([]any); ok {
		for _, v := range enum {
			out.Enum = append(out.Enum, fmt.Sprint(v))
		}
	}
	if items, ok := s["items"].(map[string]any); ok {
		out.Items = geminiSchema(items)
	}
	if out.Type == genai.TypeObject {
		props, required := schemaParts(s)
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = geminiSchema(pm)
			}
		}
		out.Required = required
	}
	return out
}

// processGeminiResponse turns function calls into ToolCalls. Gemini has no
// call ids, so one is synthesised from position and name.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*session.Message, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("received an empty response from Gemini")
	}
	msg := &session.Message{Role: session.RoleAssistant}
	for i, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			msg.Content += string(v)
		case genai.FunctionCall:
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
				ToolCallID: fmt.Sprintf("call_%d_%s", i, v.Name),
				Name:       v.Name,
				Args:       argsOrEmpty(v.Args),
			})
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}
	return msg, nil
}
