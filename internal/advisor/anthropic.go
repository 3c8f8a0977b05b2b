package advisor

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You are an agricultural field advisor. Answer in plain language a farmer can act on today."

// Completer turns a prompt into model text.
type Completer interface {
	Complete(ctx context.Context, prompt string, temperature float64) (string, error)
}

// Messager is the subset of the Anthropic client used here.
type Messager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicCompleter struct {
	messages  Messager
	model     string
	maxTokens int64
}

func NewAnthropicCompleter(apiKey, model string, maxTokens int64) *AnthropicCompleter {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicCompleterWith(&c.Messages, model, maxTokens)
}

// NewAnthropicCompleterWith wraps an existing messages client.
func NewAnthropicCompleterWith(m Messager, model string, maxTokens int64) *AnthropicCompleter {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnthropicCompleter{messages: m, model: model, maxTokens: maxTokens}
}

func (a *AnthropicCompleter) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(temperature),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

type failureClass int

const (
	failureTimeout failureClass = iota + 1
	failureRateLimit
	failureServer
	failureClient
)

func (c failureClass) String() string {
	switch c {
	case failureTimeout:
		return "timeout"
	case failureRateLimit:
		return "rate_limit"
	case failureServer:
		return "server"
	default:
		return "client"
	}
}

func (c failureClass) retryable() bool {
	return c == failureTimeout || c == failureRateLimit || c == failureServer
}

func classifyError(err error) failureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return failureRateLimit
		case apiErr.StatusCode >= 500:
			return failureServer
		default:
			return failureClient
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"):
		return failureRateLimit
	case strings.Contains(msg, "status code: 4"):
		return failureClient
	default:
		return failureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}
