package provider

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/codefionn/schmiede/internal/llm"
)

const defaultOpenAIModel = "gpt-4.1"

// OpenAIClient implements llm.Client on the OpenAI responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI-backed client.
func NewOpenAIClient(apiKey, modelName string) (*OpenAIClient, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("openai client requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(key)),
		model:  model,
	}, nil
}

func (c *OpenAIClient) ModelName() string {
	return c.model
}

func (c *OpenAIClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion failed: %w", err)
	}
	return convertResponse(resp), nil
}

func (c *OpenAIClient) buildParams(req *llm.Request) (responses.ResponseNewParams, error) {
	if req == nil {
		return responses.ResponseNewParams{}, fmt.Errorf("openai completion request cannot be nil")
	}

	input := buildResponsesInput(req.Messages)
	if len(input) == 0 {
		return responses.ResponseNewParams{}, fmt.Errorf("no messages provided")
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(c.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
	}

	if req.SystemPrompt != "" {
		params.Instructions = openai.String(req.SystemPrompt)
	}
	if req.Temperature != 0 && !temperatureUnsupported(c.model) {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = convertResponsesTools(req.Tools)
	}
	return params, nil
}

func buildResponsesInput(messages []llm.Message) responses.ResponseInputParam {
	input := make(responses.ResponseInputParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleTool:
			if msg.ToolID == "" {
				continue
			}
			input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(msg.ToolID, msg.Content))
		case llm.RoleAssistant:
			if strings.TrimSpace(msg.Content) != "" {
				input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleAssistant))
			}
			for idx, call := range msg.ToolCalls {
				if call.Name == "" {
					continue
				}
				callID := call.ID
				if callID == "" {
					callID = fmt.Sprintf("call_%d", idx)
				}
				input = append(input, responses.ResponseInputItemParamOfFunctionCall(call.Arguments, callID, call.Name))
			}
		case llm.RoleSystem:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleSystem))
		default:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleUser))
		}
	}
	return input
}

func convertResponsesTools(tools []llm.ToolDef) []responses.ToolUnionParam {
	result := make([]responses.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		if def.Name == "" {
			continue
		}
		parameters := map[string]interface{}{
			"type":       "object",
			"properties": def.Parameters,
		}
		if len(def.Required) > 0 {
			parameters["required"] = def.Required
		}

		variant := responses.ToolParamOfFunction(def.Name, parameters, false)
		if def.Description != "" && variant.OfFunction != nil {
			variant.OfFunction.Description = openai.String(def.Description)
		}
		result = append(result, variant)
	}
	return result
}

func convertResponse(resp *responses.Response) *llm.Response {
	if resp == nil {
		return &llm.Response{}
	}

	var toolCalls []llm.ToolCall
	for _, item := range resp.Output {
		if item.Type != "function_call" {
			continue
		}
		call := item.AsFunctionCall()
		identifier := call.CallID
		if identifier == "" {
			identifier = call.ID
		}
		toolCalls = append(toolCalls, llm.ToolCall{
			ID:        identifier,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}

	return &llm.Response{
		Content:    resp.OutputText(),
		ToolCalls:  toolCalls,
		StopReason: string(resp.Status),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
}

// temperatureUnsupported reports models that reject the temperature
// parameter on the responses API.
func temperatureUnsupported(modelName string) bool {
	model := strings.ToLower(strings.TrimSpace(modelName))
	if model == "" {
		return false
	}
	return strings.Contains(model, "o1") ||
		strings.Contains(model, "o3") ||
		strings.Contains(model, "reasoning") ||
		strings.HasPrefix(model, "gpt-")
}
