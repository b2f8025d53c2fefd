package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/just-every/magi/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider adapts Claude's native SSE stream to the event grammar.
// Unlike OpenAI-style APIs, Anthropic delivers content as typed blocks
// (text, thinking, tool_use) with explicit start/stop framing, which maps
// almost one-to-one onto the grammar.
type AnthropicProvider struct {
	BaseProvider
	client  anthropic.Client
	haveKey bool
}

// NewAnthropicProvider creates the Claude adapter. An empty API key defers
// configuration; Run will fail until a key is set.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	p := &AnthropicProvider{BaseProvider: NewBaseProvider("anthropic", 3, time.Second)}
	if apiKey == "" {
		return p
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	p.client = anthropic.NewClient(options...)
	p.haveKey = true
	return p
}

// Run implements Provider.
func (p *AnthropicProvider) Run(ctx context.Context, req *Request) (<-chan *models.Event, error) {
	if !p.haveKey {
		return nil, errors.New("anthropic API key not configured")
	}

	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan *models.Event)
	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.Retry(ctx, isRetryableAnthropic, func() error {
			stream = p.client.Messages.NewStreaming(ctx, params)
			return stream.Err()
		})
		if err != nil {
			emitTo(ctx, events, models.NewErrorEvent(err.Error(), "provider_stream", map[string]any{"provider": "anthropic", "model": req.Model}))
			emitTo(ctx, events, models.NewStreamEnd())
			return
		}
		p.processStream(ctx, stream, events, req.Model)
	}()
	return events, nil
}

func buildAnthropicParams(req *Request) (anthropic.MessageNewParams, error) {
	msgs, err := convertAnthropicMessages(req.Conversation)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.Settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}
	if tools, err := convertAnthropicTools(req.Tools); err != nil {
		return anthropic.MessageNewParams{}, err
	} else if len(tools) > 0 {
		params.Tools = tools
		switch req.Settings.ToolChoice {
		case "", "auto":
		case "none":
			params.Tools = nil
		default:
			params.ToolChoice = anthropic.ToolChoiceParamOfTool(req.Settings.ToolChoice)
		}
	}
	if req.Settings.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Settings.Temperature))
	}
	return params, nil
}

func emitTo(ctx context.Context, events chan<- *models.Event, ev *models.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- *models.Event, model string) {
	messageID := uuid.NewString()
	started := false
	var fullText strings.Builder

	var curTool *models.ToolCall
	var curToolArgs strings.Builder
	var thinkingID string
	var thinkingText strings.Builder
	var thinkingSig string
	var usage models.Usage
	usage.Model = model

	emit := func(ev *models.Event) bool { return emitTo(ctx, events, ev) }

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.InputTokens = int(ms.Message.Usage.InputTokens)
			usage.CachedTokens = int(ms.Message.Usage.CacheReadInputTokens)

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			switch cbs.ContentBlock.Type {
			case "text":
				if !started {
					started = true
					if !emit(models.NewMessageStart(messageID, models.RoleAssistant)) {
						return
					}
				}
			case "thinking":
				thinkingID = uuid.NewString()
				thinkingText.Reset()
				thinkingSig = ""
				if !emit(models.NewThinkingStart(thinkingID)) {
					return
				}
			case "tool_use":
				tu := cbs.ContentBlock.AsToolUse()
				curTool = &models.ToolCall{ID: tu.ID, Kind: "function", Function: models.FunctionCall{Name: tu.Name}}
				curToolArgs.Reset()
				if !emit(models.NewToolCallStart(tu.ID, tu.Name)) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !started {
						started = true
						if !emit(models.NewMessageStart(messageID, models.RoleAssistant)) {
							return
						}
					}
					fullText.WriteString(delta.Text)
					if !emit(models.NewMessageDelta(messageID, delta.Text)) {
						return
					}
				}
			case "thinking_delta":
				if delta.Thinking != "" && thinkingID != "" {
					thinkingText.WriteString(delta.Thinking)
					if !emit(models.NewThinkingDelta(thinkingID, delta.Thinking)) {
						return
					}
				}
			case "signature_delta":
				thinkingSig += delta.Signature
			case "input_json_delta":
				if delta.PartialJSON != "" && curTool != nil {
					curToolArgs.WriteString(delta.PartialJSON)
					if !emit(models.NewToolCallDelta(curTool.ID, curTool.Function.Name, delta.PartialJSON)) {
						return
					}
				}
			}

		case "content_block_stop":
			if thinkingID != "" {
				if !emit(models.NewThinkingComplete(thinkingID, thinkingText.String(), thinkingSig)) {
					return
				}
				thinkingID = ""
			} else if curTool != nil {
				curTool.Function.Arguments = curToolArgs.String()
				if curTool.Function.Arguments == "" {
					curTool.Function.Arguments = "{}"
				}
				if !emit(models.NewToolCallComplete(*curTool)) {
					return
				}
				curTool = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			emit(models.NewCostUpdate(usage))
			emit(models.NewMessageComplete(messageID, fullText.String(), nil))
			emit(models.NewStreamEnd())
			return

		case "error":
			emit(models.NewErrorEvent("anthropic stream error", "provider_stream", map[string]any{"model": model}))
			emit(models.NewStreamEnd())
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(models.NewErrorEvent(err.Error(), "provider_stream", map[string]any{"provider": "anthropic", "model": model}))
	} else {
		emit(models.NewMessageComplete(messageID, fullText.String(), nil))
	}
	emit(models.NewStreamEnd())
}

func convertAnthropicMessages(conv *models.Conversation) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range conv.Messages {
		var content []anthropic.ContentBlockParamUnion
		role := anthropic.MessageParamRoleUser

		switch msg.Type {
		case models.TypeFunctionCall:
			var input any
			if err := json.Unmarshal([]byte(orEmptyObject(msg.Arguments)), &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(msg.ID, input, msg.Name))
			role = anthropic.MessageParamRoleAssistant
		case models.TypeFunctionCallOutput:
			content = append(content, anthropic.NewToolResultBlock(msg.ID, msg.Output, false))
		case models.TypeThinking:
			// Replayed thinking requires the original signature; skip blocks
			// without one rather than fail the request.
			if msg.Signature == "" {
				continue
			}
			content = append(content, anthropic.NewThinkingBlock(msg.Signature, msg.Content))
			role = anthropic.MessageParamRoleAssistant
		default:
			if msg.Content == "" {
				continue
			}
			content = append(content, anthropic.NewTextBlock(msg.Content))
			if msg.Role == models.RoleAssistant {
				role = anthropic.MessageParamRoleAssistant
			}
		}

		out = append(out, anthropic.MessageParam{Role: role, Content: content})
	}
	return out, nil
}

func orEmptyObject(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}

func convertAnthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		hardened := HardenSchema(tool.Parameters)
		raw, err := json.Marshal(hardened)
		if err != nil {
			return nil, err
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, err
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil && tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func isRetryableAnthropic(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "529")
}
