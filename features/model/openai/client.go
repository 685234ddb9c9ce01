// Package openai implements model.Client on the OpenAI Chat Completions API
// using github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"goa.design/orchestra/features/model"
)

type (
	// ChatClient is the subset of the SDK used by the adapter. It is
	// satisfied by *sdk.ChatCompletionService.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		// Client issues the completion calls. Required.
		Client ChatClient
		// DefaultModel is used when Request.Model is empty. Required.
		DefaultModel string
		// Temperature is used when the request does not set one.
		Temperature float64
	}

	// Client implements model.Client on Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
		temp         float64
	}
)

var _ model.Client = (*Client)(nil)

// New builds an adapter from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         opts.Client,
		defaultModel: opts.DefaultModel,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client over the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Complete issues one chat completion call.
func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp)
}

func (c *Client) encodeRequest(req model.Request) (*sdk.ChatCompletionNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		encoded, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		if encoded != nil {
			messages = append(messages, *encoded)
		}
	}
	if len(messages) == 0 {
		return nil, errors.New("openai: at least one non-empty message is required")
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return &params, nil
}

func encodeMessage(m model.Message) (*sdk.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case model.RoleUser:
		if m.Content == "" {
			return nil, nil
		}
		msg := sdk.UserMessage(m.Content)
		return &msg, nil
	case model.RoleAssistant:
		if m.ToolUse == nil {
			if m.Content == "" {
				return nil, nil
			}
			msg := sdk.AssistantMessage(m.Content)
			return &msg, nil
		}
		args, err := json.Marshal(m.ToolUse.Args)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal tool arguments: %w", err)
		}
		assistant := sdk.ChatCompletionAssistantMessageParam{
			ToolCalls: []sdk.ChatCompletionMessageToolCallUnionParam{{
				OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: m.ToolUse.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      m.ToolUse.Name,
						Arguments: string(args),
					},
				},
			}},
		}
		if m.Content != "" {
			assistant.Content.OfString = sdk.String(m.Content)
		}
		return &sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil
	case model.RoleTool:
		msg := sdk.ToolMessage(m.Content, m.ToolCallID)
		return &msg, nil
	default:
		return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			var params map[string]any
			if err := json.Unmarshal(def.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			fn.Parameters = shared.FunctionParameters(params)
		}
		tools = append(tools, sdk.ChatCompletionFunctionTool(fn))
	}
	return tools, nil
}

func isRateLimited(err error) bool {
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}

func translateResponse(resp *sdk.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := &model.Response{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(choice.Message.ToolCalls) > 0 {
		call := choice.Message.ToolCalls[0]
		out.ToolUse = &model.ToolUse{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: parseArguments(call.Function.Arguments),
		}
	}
	return out, nil
}

// parseArguments keeps malformed model output visible instead of dropping it.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}
