package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/session"
	"github.com/m4xw311/mcpharness/tools"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockLLMClient uses the default AWS credential chain. The region
// falls back to us-east-1, and BEDROCK_ENDPOINT_URL overrides the endpoint.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
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
	return &BedrockLLMClient{
		client:  bedrockruntime.NewFromConfig(cfg, opts...),
		modelID: modelID,
	}, nil
}

func (b *BedrockLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicFormat(messages)

	body, err := createAnthropicRequest(anthropicMessages, systemPrompt, availableTools)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}
	return processBedrockResponse(resp.Body)
}

func textBlock(text string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": text}
}

// convertMessagesToAnthropicFormat builds the raw Anthropic messages body
// Bedrock expects, returning the last system message separately.
func convertMessagesToAnthropicFormat(messages []session.Message) ([]map[string]interface{}, string) {
	var out []map[string]interface{}
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleUser:
			out = append(out, map[string]interface{}{
				"role":    "user",
				"content": []map[string]interface{}{textBlock(msg.Content)},
			})
		case session.RoleAssistant:
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, textBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ToolCallID,
					"name":  tc.Name,
					"input": argsOrEmpty(tc.Args),
				})
			}
			if len(blocks) > 0 {
				out = append(out, map[string]interface{}{"role": "assistant", "content": blocks})
			}
		case session.RoleTool:
			if len(msg.ToolCalls) == 0 {
				continue
			}
			result := map[string]interface{}{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCalls[0].ToolCallID,
				"content":     msg.Content,
			}
			if n := len(out); n > 0 && out[n-1]["role"] == "user" {
				if blocks, ok := out[n-1]["content"].([]map[string]interface{}); ok && blocks[0]["type"] == "tool_result" {
					out[n-1]["content"] = append(blocks, result)
					continue
				}
			}
			out = append(out, map[string]interface{}{
				"role":    "user",
				"content": []map[string]interface{}{result},
			})
		case session.RoleSystem:
			systemPrompt = msg.Content
		}
	}
	return out, systemPrompt
}

func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string, availableTools []tools.Tool) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": bedrockAnthropicVersion,
		"max_tokens":        anthropicMaxTokens,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(availableTools) > 0 {
		var ts []map[string]interface{}
		for _, t := range availableTools {
			ts = append(ts, map[string]interface{}{
				"name":         t.Name(),
				"description":  t.Description(),
				"input_schema": toolSchema(t),
			})
		}
		request["tools"] = ts
	}
	return json.Marshal(request)
}

func processBedrockResponse(body []byte) (*session.Message, error) {
	var response struct {
		Error   interface{} `json:"error"`
		Content []struct {
			Type  string                 `json:"type"`
			Text  string                 `json:"text"`
			ID    string                 `json:"id"`
			Name  string                 `json:"name"`
			Input map[string]interface{} `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if response.Error != nil {
		return nil, errors.New("Bedrock API error: %v", response.Error)
	}

	msg := &session.Message{Role: session.RoleAssistant}
	for i, item := range response.Content {
		switch item.Type {
		case "text":
			msg.Content += item.Text
		case "tool_use":
			id := item.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, item.Name)
			}
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
				ToolCallID: id,
				Name:       item.Name,
				Args:       argsOrEmpty(item.Input),
			})
		}
	}
	return msg, nil
}
