// Package provider implements llm.Client for the supported model
// backends.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/codefionn/schmiede/internal/llm"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-20241022"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicClient implements llm.Client with the official Anthropic SDK.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates an Anthropic-backed client.
func NewAnthropicClient(apiKey, modelName string) (*AnthropicClient, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic client requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  model,
	}, nil
}

func (c *AnthropicClient) ModelName() string {
	return c.model
}

func (c *AnthropicClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params, err := c.buildMessageParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}
	return buildAnthropicResponse(msg), nil
}

func (c *AnthropicClient) buildMessageParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic completion request cannot be nil")
	}

	systemBlocks, chatMessages, err := convertMessagesToAnthropic(req.SystemPrompt, req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(chatMessages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic completion requires at least one user or assistant message")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  chatMessages,
	}

	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	return params, nil
}

func buildAnthropicResponse(msg *anthropic.Message) *llm.Response {
	if msg == nil {
		return &llm.Response{}
	}

	var sb strings.Builder
	var toolCalls []llm.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(block.Text)
		case "tool_use":
			arguments := "{}"
			if len(block.Input) > 0 {
				arguments = string(block.Input)
			}
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: arguments,
			})
		}
	}

	return &llm.Response{
		Content:    sb.String(),
		ToolCalls:  toolCalls,
		StopReason: string(msg.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

func convertMessagesToAnthropic(systemPrompt string, messages []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	systemBlocks := make([]anthropic.TextBlockParam, 0, 1)
	if sys := strings.TrimSpace(systemPrompt); sys != "" {
		systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: sys})
	}

	chatMessages := make([]anthropic.MessageParam, 0, len(messages))
	for idx, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if text := strings.TrimSpace(msg.Content); text != "" {
				systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: text})
			}
		case llm.RoleAssistant:
			blocks, err := buildAssistantBlocks(msg)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid assistant message at index %d: %w", idx, err)
			}
			if len(blocks) == 0 {
				continue
			}
			chatMessages = append(chatMessages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case llm.RoleTool:
			if msg.ToolID == "" {
				return nil, nil, fmt.Errorf("tool message at index %d has no tool id", idx)
			}
			chatMessages = append(chatMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewToolResultBlock(msg.ToolID, msg.Content, false),
				},
			})
		default:
			if msg.Content == "" {
				continue
			}
			chatMessages = append(chatMessages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})
		}
	}
	return systemBlocks, chatMessages, nil
}

func buildAssistantBlocks(msg llm.Message) ([]anthropic.ContentBlockParamUnion, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
	if msg.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}
	for idx, call := range msg.ToolCalls {
		if call.Name == "" {
			return nil, fmt.Errorf("tool call %d is missing a name", idx)
		}
		callID := call.ID
		if callID == "" {
			callID = fmt.Sprintf("tool_call_%d", idx)
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(callID, parseToolArguments(call.Arguments), call.Name))
	}
	return blocks, nil
}

func convertAnthropicTools(tools []llm.ToolDef) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		if def.Name == "" {
			continue
		}

		schema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: def.Parameters,
		}
		if len(def.Required) > 0 {
			schema.Required = def.Required
		}

		tool := &anthropic.ToolParam{
			Name:        def.Name,
			InputSchema: schema,
			Type:        anthropic.ToolTypeCustom,
		}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			tool.Description = anthropic.String(desc)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: tool})
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func parseToolArguments(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return decoded
	}
	return raw
}
