package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/session"
	"github.com/m4xw311/mcpharness/tools"
)

const anthropicMaxTokens = 4096

// AnthropicLLMClient is a client for the Anthropic API.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient requires ANTHROPIC_API_KEY.
func NewAnthropicLLMClient(ctx context.Context, modelName string) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.Wrapf(errors.ErrMissingCredential, "ANTHROPIC_API_KEY environment variable not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicLLMClient{client: &client, model: modelName}, nil
}

func (a *AnthropicLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  anthropicMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for _, tp := range convertToolsToAnthropicTools(availableTools) {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tp})
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Anthropic")
	}
	return processAnthropicResponse(resp)
}

// convertMessagesToAnthropicMessages also returns the system prompt, which
// Anthropic takes outside the message list. The last system message wins.
func convertMessagesToAnthropicMessages(messages []session.Message) ([]anthropic.MessageParam, string) {
	var out []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(argsOrEmpty(tc.Args))
				if err != nil {
					slog.Warn("dropping tool call from history", "tool", tc.Name, "error", err)
					continue
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ToolCallID,
						Name:  tc.Name,
						Input: json.RawMessage(argsBytes),
					}})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}
		case session.RoleTool:
			if len(msg.ToolCalls) == 0 {
				continue
			}
			block := anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: msg.ToolCalls[0].ToolCallID,
					Content: []anthropic.ToolResultBlockParamContentUnion{{
						OfText: &anthropic.TextBlockParam{Text: msg.Content},
					}},
				},
			}
			// Consecutive results answer one assistant turn and must share
			// a single user message.
			if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser && out[n-1].Content[0].OfToolResult != nil {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{block},
			})
		case session.RoleSystem:
			systemPrompt = msg.Content
		}
	}
	return out, systemPrompt
}

func convertToolsToAnthropicTools(ts []tools.Tool) []anthropic.ToolParam {
	var out []anthropic.ToolParam
	for _, t := range ts {
		props, required := schemaParts(toolSchema(t))
		out = append(out, anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		})
	}
	return out
}

func processAnthropicResponse(resp *anthropic.Message) (*session.Message, error) {
	msg := &session.Message{Role: session.RoleAssistant}
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			msg.Content += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if len(c.Input) > 0 {
				if err := json.Unmarshal(c.Input, &args); err != nil {
					return nil, errors.Wrapf(err, "failed to unmarshal tool call input")
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
				ToolCallID: c.ID,
				Name:       c.Name,
				Args:       argsOrEmpty(args),
			})
		}
	}
	return msg, nil
}
