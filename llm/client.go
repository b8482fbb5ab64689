package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/session"
	"github.com/m4xw311/mcpharness/tools"
)

// Providers accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

// LLMClient is the interface for interacting with a Large Language Model.
// Chat never executes tools; requested calls come back in the message's
// ToolCalls for the caller to run.
type LLMClient interface {
	Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error)
}

// New returns the client for provider. Credentials are read from the
// environment by each constructor.
func New(ctx context.Context, provider, model string) (LLMClient, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAILLMClient(ctx, model)
	case ProviderAnthropic:
		return NewAnthropicLLMClient(ctx, model)
	case ProviderBedrock:
		return NewBedrockLLMClient(ctx, model)
	case ProviderGemini:
		return NewGeminiLLMClient(ctx, model)
	case ProviderMock:
		return &MockLLMClient{}, nil
	default:
		return nil, errors.New("unknown LLM client %q", provider)
	}
}

// MockLLMClient answers without a network. When the newest user message
// names a tool it requests that tool once, then echoes the tool result.
// Otherwise it parrots the user.
type MockLLMClient struct{}

func (m *MockLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	if len(messages) == 0 {
		return nil, errors.New("mock client called with no messages")
	}
	last := messages[len(messages)-1]
	if last.Role == session.RoleTool {
		return &session.Message{Role: session.RoleAssistant, Content: last.Content}, nil
	}

	for _, t := range availableTools {
		if strings.Contains(last.Content, t.Name()) {
			return &session.Message{
				Role: session.RoleAssistant,
				ToolCalls: []session.ToolCall{{
					ToolCallID: fmt.Sprintf("mock_%d", len(messages)),
					Name:       t.Name(),
					Args:       map[string]interface{}{},
				}},
			}, nil
		}
	}
	return &session.Message{
		Role:    session.RoleAssistant,
		Content: fmt.Sprintf("I am a mock LLM. You said: '%s'.", last.Content),
	}, nil
}

// schemaParts splits a JSON schema object into its properties and required
// list, the two pieces every provider asks for separately.
func schemaParts(schema map[string]any) (map[string]any, []string) {
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	var required []string
	switch r := schema["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}

// toolSchema returns t's schema, falling back to an empty object.
func toolSchema(t tools.Tool) map[string]any {
	if s := t.Schema(); s != nil {
		return s
	}
	return tools.EmptySchema()
}

func argsOrEmpty(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}
