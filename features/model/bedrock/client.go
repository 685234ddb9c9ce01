// Package bedrock implements model.Client on the AWS Bedrock Converse API.
// It splits system from conversational turns, encodes tool schemas into
// Bedrock's ToolConfiguration and translates Converse responses (text and
// tool_use blocks) back into the generic response.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/orchestra/features/model"
)

const defaultMaxTokens = 4096

type (
	// RuntimeClient is the subset of the AWS Bedrock runtime client used
	// by the adapter. It is satisfied by *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		// Runtime issues the Converse calls. Required.
		Runtime RuntimeClient
		// DefaultModel is the Bedrock model identifier used when
		// Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens caps completions when the request does not. Defaults
		// to 4096.
		MaxTokens int
		// Temperature is used when the request does not set one.
		Temperature float64
	}

	// Client implements model.Client on Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

var _ model.Client = (*Client)(nil)

// New builds an adapter from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTok,
		temp:         opts.Temperature,
	}, nil
}

// Complete issues one Converse call.
func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	input, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

func (c *Client) encodeRequest(req model.Request) (*bedrockruntime.ConverseInput, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	input.ToolConfig = toolConfig
	return input, nil
}

func (c *Client) inferenceConfig(req model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	cfg.MaxTokens = aws.Int32(int32(maxTokens))
	if t := req.Temperature; t > 0 {
		cfg.Temperature = aws.Float32(float32(t))
	} else if c.temp > 0 {
		cfg.Temperature = aws.Float32(float32(c.temp))
	}
	return &cfg
}

func encodeMessages(msgs []model.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 2)
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			if u := m.ToolUse; u != nil {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(u.ID),
						Name:      aws.String(u.Name),
						Input:     document.NewLazyDocument(u.Args),
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		case model.RoleTool:
			out = append(out, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content:   []brtypes.ToolResultContentBlock{encodeToolResult(m.Content)},
					},
				}},
			})
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one non-empty message is required")
	}
	return out, nil
}

// encodeToolResult sends JSON results as structured documents and everything
// else as text.
func encodeToolResult(content string) brtypes.ToolResultContentBlock {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(content), &decoded); err == nil {
		return &brtypes.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(decoded)}
	}
	return &brtypes.ToolResultContentBlockMemberText{Value: content}
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		spec := brtypes.ToolSpecification{Name: aws.String(def.Name)}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
			}
			spec.InputSchema = &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)}
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(tools) == 0 {
		return nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: tools}, nil
}

// isRateLimited treats both HTTP 429 responses and provider throttling codes
// as rate-limit signals and is idempotent when ErrRateLimited is already in
// the chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock: unexpected output type %T", output.Output)
	}
	resp := &model.Response{StopReason: string(output.StopReason)}
	var texts []string
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if b.Value != "" {
				texts = append(texts, b.Value)
			}
		case *brtypes.ContentBlockMemberToolUse:
			if resp.ToolUse != nil {
				continue
			}
			use := &model.ToolUse{
				ID:   aws.ToString(b.Value.ToolUseId),
				Name: aws.ToString(b.Value.Name),
			}
			if b.Value.Input != nil {
				// UnmarshalSmithyDocument rejects interface-typed targets, so
				// round-trip through the document's JSON form instead.
				if raw, err := b.Value.Input.MarshalSmithyDocument(); err == nil {
					var args map[string]any
					if err := json.Unmarshal(raw, &args); err == nil {
						use.Args = args
					}
				}
			}
			resp.ToolUse = use
		}
	}
	resp.Text = strings.Join(texts, "\n")
	if u := output.Usage; u != nil {
		resp.Usage = model.Usage{
			InputTokens:  int(aws.ToInt32(u.InputTokens)),
			OutputTokens: int(aws.ToInt32(u.OutputTokens)),
		}
	}
	return resp, nil
}
