package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/just-every/magi/pkg/models"
)

// OpenAIProvider adapts any OpenAI-compatible chat completion API (OpenAI
// itself, DeepSeek, xAI Grok, OpenRouter) to the event grammar. Vendor
// differences are handled at request-preparation time:
//
//   - deepseek-reasoner cannot accept tool schemas; the request is rewritten
//     through the reasoner fallback (reasoner.go) and tool calls are parsed
//     back out of the response text.
//   - Grok rewrites a web search tool into the vendor's search_parameters
//     body field.
//   - OpenRouter carries attribution headers and a provider-routing hint.
type OpenAIProvider struct {
	BaseProvider
	client *openai.Client

	// prepare, when set, mutates the outgoing request and may attach
	// vendor body fields to the context. Used by Grok and OpenRouter.
	prepare func(ctx context.Context, chatReq *openai.ChatCompletionRequest, req *Request) context.Context
}

// NewOpenAIProvider creates an adapter for the canonical OpenAI API.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return newCompatProvider("openai", apiKey, "", nil, nil)
}

// NewDeepSeekProvider creates an adapter for DeepSeek's OpenAI-compatible API.
func NewDeepSeekProvider(apiKey string) *OpenAIProvider {
	return newCompatProvider("deepseek", apiKey, "https://api.deepseek.com/v1", nil, nil)
}

// NewGrokProvider creates an adapter for xAI's Grok API. A tool named
// "web_search" is lifted out of the tool list into search_parameters.
func NewGrokProvider(apiKey string) *OpenAIProvider {
	return newCompatProvider("grok", apiKey, "https://api.x.ai/v1", nil, prepareGrok)
}

// NewOpenRouterProvider creates an adapter for OpenRouter. sort configures
// failover routing ("price", "throughput", or "latency"); empty means the
// OpenRouter default.
func NewOpenRouterProvider(apiKey, sort string) *OpenAIProvider {
	headers := map[string]string{
		"HTTP-Referer": "https://withmagi.com",
		"X-Title":      "MAGI",
	}
	return newCompatProvider("openrouter", apiKey, "https://openrouter.ai/api/v1", headers,
		func(ctx context.Context, chatReq *openai.ChatCompletionRequest, req *Request) context.Context {
			if sort == "" {
				return ctx
			}
			return withExtraBody(ctx, map[string]any{
				"provider": map[string]any{"sort": sort, "allow_fallbacks": true},
			})
		})
}

func newCompatProvider(name, apiKey, baseURL string, headers map[string]string,
	prepare func(context.Context, *openai.ChatCompletionRequest, *Request) context.Context) *OpenAIProvider {
	p := &OpenAIProvider{
		BaseProvider: NewBaseProvider(name, 3, time.Second),
		prepare:      prepare,
	}
	if apiKey == "" {
		return p
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Transport: &extraTransport{headers: headers}}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

// SetBaseURL rebuilds the client against a non-default endpoint. Used when
// config routes a provider through a proxy.
func (p *OpenAIProvider) SetBaseURL(apiKey, baseURL string) {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Transport: &extraTransport{}}
	p.client = openai.NewClientWithConfig(cfg)
}

func prepareGrok(ctx context.Context, chatReq *openai.ChatCompletionRequest, req *Request) context.Context {
	kept := chatReq.Tools[:0]
	var search map[string]any
	for _, tool := range chatReq.Tools {
		if tool.Function != nil && tool.Function.Name == "web_search" {
			search = map[string]any{"mode": "auto"}
			continue
		}
		kept = append(kept, tool)
	}
	chatReq.Tools = kept
	if search == nil {
		return ctx
	}
	return withExtraBody(ctx, map[string]any{"search_parameters": search})
}

// Run implements Provider.
func (p *OpenAIProvider) Run(ctx context.Context, req *Request) (<-chan *models.Event, error) {
	if p.client == nil {
		return nil, errors.New(p.Name() + " API key not configured")
	}

	reasonerMode := isReasonerModel(req.Model)

	var chatReq openai.ChatCompletionRequest
	if reasonerMode {
		chatReq = prepareReasonerRequest(req)
	} else {
		chatReq = openai.ChatCompletionRequest{
			Model:    req.Model,
			Messages: convertConversation(req.Conversation, req.Instructions),
			Tools:    convertTools(req.Tools),
		}
		switch req.Settings.ToolChoice {
		case "", "auto":
		case "none":
			chatReq.ToolChoice = "none"
		default:
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.Settings.ToolChoice},
			}
		}
		if req.Settings.SequentialTools && len(chatReq.Tools) > 0 {
			chatReq.ParallelToolCalls = false
		}
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	if req.Settings.MaxTokens > 0 {
		chatReq.MaxTokens = req.Settings.MaxTokens
	}
	if req.Settings.Temperature != nil {
		chatReq.Temperature = *req.Settings.Temperature
	}

	if p.prepare != nil {
		ctx = p.prepare(ctx, &chatReq, req)
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, isRetryableHTTP, func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make(chan *models.Event)
	go p.processStream(ctx, stream, events, req.Model, reasonerMode)
	return events, nil
}

// processStream folds the native SSE stream into the event grammar. Text
// deltas are forwarded immediately under one stable messageId per call; tool
// call fragments are surfaced as tool_call_delta and finalized either when
// the vendor signals end-of-call or at stream end.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- *models.Event, model string, reasonerMode bool) {
	defer close(events)
	defer stream.Close()

	messageID := uuid.NewString()
	started := false
	var fullText strings.Builder
	var usage *models.Usage

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	pending := make(map[int]*pendingCall)
	order := []int{}
	finalized := map[string]bool{}

	emit := func(ev *models.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flush := func() {
		for _, idx := range order {
			pc := pending[idx]
			if pc == nil || pc.id == "" || pc.name == "" || finalized[pc.id] {
				continue
			}
			finalized[pc.id] = true
			emit(models.NewToolCallComplete(models.ToolCall{
				ID:   pc.id,
				Kind: "function",
				Function: models.FunctionCall{
					Name:      pc.name,
					Arguments: pc.args.String(),
				},
			}))
		}
	}

	finish := func(streamErr error) {
		if streamErr != nil {
			emit(models.NewErrorEvent(streamErr.Error(), "provider_stream", map[string]any{"provider": p.Name(), "model": model}))
		} else {
			flush()
			text := fullText.String()
			var calls []models.ToolCall
			if reasonerMode {
				text, calls = ParseReasonerToolCalls(text)
				for _, call := range calls {
					if !finalized[call.ID] {
						finalized[call.ID] = true
						emit(models.NewToolCallComplete(call))
					}
				}
			}
			if usage != nil {
				emit(models.NewCostUpdate(*usage))
			}
			emit(models.NewMessageComplete(messageID, text, calls))
		}
		emit(models.NewStreamEnd())
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish(nil)
			} else {
				finish(err)
			}
			return
		}

		if resp.Usage != nil {
			usage = &models.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				Model:        model,
			}
			if resp.Usage.PromptTokensDetails != nil {
				usage.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !started {
				started = true
				if !emit(models.NewMessageStart(messageID, models.RoleAssistant)) {
					return
				}
			}
			fullText.WriteString(choice.Delta.Content)
			if !emit(models.NewMessageDelta(messageID, choice.Delta.Content)) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc := pending[idx]
			if pc == nil {
				pc = &pendingCall{}
				pending[idx] = pc
				order = append(order, idx)
			}
			if tc.ID != "" && pc.id == "" {
				pc.id = tc.ID
				if !emit(models.NewToolCallStart(pc.id, tc.Function.Name)) {
					return
				}
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				if !emit(models.NewToolCallDelta(pc.id, tc.Function.Name, tc.Function.Arguments)) {
					return
				}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// convertConversation maps the canonical conversation into chat messages.
// Thinking entries are omitted; they are model-internal and OpenAI-style
// APIs reject unknown roles.
func convertConversation(conv *models.Conversation, instructions string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(conv.Messages)+1)
	if instructions != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instructions})
	}
	for _, msg := range conv.Messages {
		switch msg.Type {
		case models.TypeFunctionCall:
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   msg.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      msg.Name,
						Arguments: msg.Arguments,
					},
				}},
			})
		case models.TypeFunctionCallOutput:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ID,
				Content:    msg.Output,
			})
		case models.TypeThinking:
			// skipped
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    chatRole(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

func chatRole(role models.Role) string {
	switch role {
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case models.RoleSystem, models.RoleDeveloper:
		return openai.ChatMessageRoleSystem
	case models.RoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}

func convertTools(tools []ToolSchema) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  HardenSchema(t.Parameters),
			},
		})
	}
	return out
}

func isRetryableHTTP(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Transport-level failures (no API response) are worth one more try.
	var reqErr *openai.RequestError
	return errors.As(err, &reqErr)
}
