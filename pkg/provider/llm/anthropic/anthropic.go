// Package anthropic provides an Anthropic Messages API implementation of the
// llm.Provider interface, with primary→fallback model retry.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/teachme-labs/teachme-live/pkg/provider/llm"
)

const (
	defaultPrimaryModel  = "claude-sonnet-4-5"
	defaultFallbackModel = "claude-3-5-haiku-latest"
	defaultTimeout       = 20 * time.Second
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithModels sets the primary and fallback model ids. An empty fallback
// disables the retry.
func WithModels(primary, fallback string) Option {
	return func(c *Client) {
		if primary != "" {
			c.primary = primary
		}
		c.fallback = fallback
	}
}

// WithRequestTimeout sets the wall-clock deadline applied to each model call
// (each attempt gets the full budget).
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client implements llm.Provider backed by the Anthropic Messages API.
type Client struct {
	api      anthropicsdk.Client
	primary  string
	fallback string
	timeout  time.Duration
}

var _ llm.Provider = (*Client)(nil)

// New creates a new Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: apiKey must not be empty")
	}
	c := &Client{
		api:      anthropicsdk.NewClient(option.WithAPIKey(apiKey)),
		primary:  defaultPrimaryModel,
		fallback: defaultFallbackModel,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Create performs a single completion call with the primary model, retrying
// once with the fallback model on transport errors, 429/5xx, or timeout.
func (c *Client) Create(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := c.create(ctx, c.primary, req)
	if err == nil {
		return resp, nil
	}
	if c.fallback == "" || !retryable(err) || ctx.Err() != nil {
		return nil, err
	}
	resp, ferr := c.create(ctx, c.fallback, req)
	if ferr != nil {
		return nil, fmt.Errorf("anthropic: fallback %q after %v: %w", c.fallback, err, ferr)
	}
	return resp, nil
}

func (c *Client) create(ctx context.Context, model string, req llm.Request) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.api.Messages.New(callCtx, c.params(model, req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create (%s): %w", model, err)
	}
	return normalize(msg), nil
}

// StreamText performs a streaming completion, invoking onDelta per text
// fragment. The fallback retry only applies when no delta was delivered yet —
// a half-streamed response must not restart from scratch on another model.
func (c *Client) StreamText(ctx context.Context, req llm.Request, onDelta func(text string)) (*llm.Response, error) {
	if len(req.Tools) > 0 {
		return nil, errors.New("anthropic: tools are not supported on streamed requests")
	}

	delivered := false
	wrapped := func(text string) {
		delivered = true
		if onDelta != nil {
			onDelta(text)
		}
	}

	resp, err := c.stream(ctx, c.primary, req, wrapped)
	if err == nil {
		return resp, nil
	}
	if delivered || c.fallback == "" || !retryable(err) || ctx.Err() != nil {
		return nil, err
	}
	resp, ferr := c.stream(ctx, c.fallback, req, wrapped)
	if ferr != nil {
		return nil, fmt.Errorf("anthropic: fallback %q after %v: %w", c.fallback, err, ferr)
	}
	return resp, nil
}

func (c *Client) stream(ctx context.Context, model string, req llm.Request, onDelta func(string)) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream := c.api.Messages.NewStreaming(callCtx, c.params(model, req))
	acc := anthropicsdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic: accumulate (%s): %w", model, err)
		}
		switch ev := event.AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropicsdk.TextDelta:
				onDelta(d.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: stream (%s): %w", model, err)
	}
	return normalize(&acc), nil
}

// params translates a vendor-neutral request into SDK call parameters.
func (c *Client) params(model string, req llm.Request) anthropicsdk.MessageNewParams {
	p := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toMessages(req.Messages),
	}
	if req.MaxTokens <= 0 {
		p.MaxTokens = 1024
	}
	if req.Temperature >= 0 {
		p.Temperature = anthropicsdk.Float(req.Temperature)
	}
	if req.System != "" {
		p.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	for _, t := range req.Tools {
		p.Tools = append(p.Tools, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{
					Properties: t.InputSchema,
					Required:   t.Required,
				},
			},
		})
	}
	return p
}

// toMessages converts vendor-neutral messages into SDK message params,
// including replayed assistant tool_use blocks and user tool_result blocks.
func toMessages(msgs []llm.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case llm.BlockText:
				blocks = append(blocks, anthropicsdk.NewTextBlock(b.Text))
			case llm.BlockImage:
				blocks = append(blocks, anthropicsdk.NewImageBlockBase64(
					b.ImageMediaType,
					base64.StdEncoding.EncodeToString(b.ImageData),
				))
			case llm.BlockToolUse:
				blocks = append(blocks, anthropicsdk.ContentBlockParamUnion{
					OfToolUse: &anthropicsdk.ToolUseBlockParam{
						ID:    b.ToolID,
						Name:  b.ToolName,
						Input: b.ToolInput,
					},
				})
			case llm.BlockToolResult:
				blocks = append(blocks, anthropicsdk.NewToolResultBlock(b.ToolID, b.ToolResult, b.ToolIsError))
			}
		}
		if m.Role == llm.RoleAssistant {
			out = append(out, anthropicsdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropicsdk.NewUserMessage(blocks...))
		}
	}
	return out
}

// normalize converts an SDK message into the vendor-neutral response shape.
func normalize(msg *anthropicsdk.Message) *llm.Response {
	resp := &llm.Response{
		Model:      string(msg.Model),
		RequestID:  msg.ID,
		StopReason: string(msg.StopReason),
		Usage: llm.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			text.WriteString(b.Text)
			resp.Content = append(resp.Content, llm.ContentBlock{
				Type: llm.BlockText,
				Text: b.Text,
			})
		case anthropicsdk.ToolUseBlock:
			resp.Content = append(resp.Content, llm.ContentBlock{
				Type:      llm.BlockToolUse,
				ToolID:    b.ID,
				ToolName:  b.Name,
				ToolInput: json.RawMessage(b.JSON.Input.Raw()),
			})
		}
	}
	resp.Text = text.String()
	return resp
}

// retryable reports whether err warrants one retry on the fallback model:
// timeouts, transport failures, 429, and 5xx. Validation errors (4xx) would
// fail identically on any model.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apierr *anthropicsdk.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}
	// No API error type means the request never got an HTTP response.
	return true
}
