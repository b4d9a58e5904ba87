package ratio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are a legal analyst working through a court judgment step by step to identify its ratio decidendi, " +
	"the rule of law that was necessary for the decision. Build on your earlier answers in this conversation."

const (
	DefaultAnthropicModel = string(anthropic.ModelClaudeSonnet4_20250514)
	DefaultOpenAIModel    = openai.GPT4oMini
	DefaultMaxTokens      = 4096
)

// InvokeOptions carries per-call settings. Stage is informational.
type InvokeOptions struct {
	Stage       StageID
	Temperature float64
}

// ModelInvoker sends the ordered history to a language model and returns its
// single reply.
type ModelInvoker interface {
	Invoke(ctx context.Context, turns []Turn, opts InvokeOptions) (Turn, error)
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

type AnthropicInvoker struct {
	messages  AnthropicMessager
	model     string
	maxTokens int64
}

func NewAnthropicInvoker(messages AnthropicMessager, model string, maxTokens int) *AnthropicInvoker {
	if strings.TrimSpace(model) == "" {
		model = DefaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicInvoker{messages: messages, model: model, maxTokens: int64(maxTokens)}
}

func NewAnthropicInvokerFromEnv(model string, maxTokens int) (*AnthropicInvoker, error) {
	if envEnabled("RATIO_NO_LLM") {
		return nil, errors.New("LLM calls disabled by RATIO_NO_LLM")
	}
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return NewAnthropicInvoker(newAnthropicClient(apiKey), model, maxTokens), nil
}

func (a *AnthropicInvoker) Invoke(ctx context.Context, turns []Turn, opts InvokeOptions) (Turn, error) {
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == RoleModel {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    msgs,
		Temperature: anthropic.Float(opts.Temperature),
	})
	if err != nil {
		return Turn{}, err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return ModelTurn(sb.String()), nil
}

// ChatCompleter is the slice of the OpenAI client the invoker needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAIInvoker struct {
	client    ChatCompleter
	model     string
	maxTokens int
}

func NewOpenAIInvoker(client ChatCompleter, model string, maxTokens int) *OpenAIInvoker {
	if strings.TrimSpace(model) == "" {
		model = DefaultOpenAIModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &OpenAIInvoker{client: client, model: model, maxTokens: maxTokens}
}

func NewOpenAIInvokerFromEnv(model string, maxTokens int) (*OpenAIInvoker, error) {
	if envEnabled("RATIO_NO_LLM") {
		return nil, errors.New("LLM calls disabled by RATIO_NO_LLM")
	}
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY not configured")
	}
	cfg := openai.DefaultConfig(apiKey)
	if base := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); base != "" {
		cfg.BaseURL = base
	}
	return NewOpenAIInvoker(openai.NewClientWithConfig(cfg), model, maxTokens), nil
}

func (o *OpenAIInvoker) Invoke(ctx context.Context, turns []Turn, opts InvokeOptions) (Turn, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               o.model,
		Messages:            msgs,
		Temperature:         float32(opts.Temperature),
		MaxCompletionTokens: o.maxTokens,
	})
	if err != nil {
		return Turn{}, err
	}
	if len(resp.Choices) == 0 {
		return Turn{}, errors.New("openai returned no choices")
	}
	return ModelTurn(resp.Choices[0].Message.Content), nil
}

// callModel runs one invocation and normalizes every failure into an
// ExternalCallError.
func callModel(ctx context.Context, invoker ModelInvoker, turns []Turn, opts InvokeOptions) (Turn, error) {
	reply, err := invoker.Invoke(ctx, turns, opts)
	if err != nil {
		return Turn{}, &ExternalCallError{Stage: opts.Stage.String(), Kind: classifyTransportError(err), Err: err}
	}
	if reply.Role != RoleModel {
		return Turn{}, &ExternalCallError{Stage: opts.Stage.String(), Kind: FailureMalformed, Err: fmt.Errorf("reply has role %s", reply.Role)}
	}
	if strings.TrimSpace(reply.Content) == "" {
		return Turn{}, &ExternalCallError{Stage: opts.Stage.String(), Kind: FailureMalformed, Err: errors.New("empty response")}
	}
	return reply, nil
}

func classifyTransportError(err error) CallFailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	if code := statusCodeOf(err); code != 0 {
		switch {
		case code == http.StatusTooManyRequests:
			return FailureRateLimit
		case code >= 500:
			return FailureServer
		case code >= 400:
			return FailureClient
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"):
		return FailureRateLimit
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "status=5") || strings.Contains(msg, "server error"):
		return FailureServer
	case strings.Contains(msg, "status code: 4") || strings.Contains(msg, "status=4"):
		return FailureClient
	default:
		return FailureServer
	}
}

func statusCodeOf(err error) int {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var oe *openai.APIError
	if errors.As(err, &oe) {
		return oe.HTTPStatusCode
	}
	var re *openai.RequestError
	if errors.As(err, &re) {
		return re.HTTPStatusCode
	}
	return 0
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func envEnabled(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
