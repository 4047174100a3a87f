package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teachme-labs/teachme-live/internal/config"
	"github.com/teachme-labs/teachme-live/internal/tools"
	"github.com/teachme-labs/teachme-live/pkg/provider/llm"
)

// ToolCall records one tool invocation made during a turn.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Result is the outcome of one tutor turn.
type Result struct {
	// RawText is the model text the structured object was derived from.
	RawText string

	// Structured is the validated response object. Never nil.
	Structured Structured

	// ToolCalls lists the tools executed during the turn, in order.
	ToolCalls []ToolCall

	// ToolFailures counts tool executions that returned an error.
	ToolFailures int

	Model     string
	RequestID string
	Usage     llm.Usage
	Duration  time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// Runtime drives tutor turns: it gates and executes tools, streams tool-free
// turns, and enforces the structured response contract on the final text.
type Runtime struct {
	provider llm.Provider
	registry *tools.Registry

	maxTokens    int
	temperature  float64
	toolMaxIters int
	toolTimeout  time.Duration
	strict       bool

	log *slog.Logger
}

// NewRuntime builds a Runtime from the LLM, tools, and structured-output
// sections of the configuration.
func NewRuntime(provider llm.Provider, registry *tools.Registry, cfg *config.Config, opts ...Option) *Runtime {
	r := &Runtime{
		provider:     provider,
		registry:     registry,
		maxTokens:    cfg.LLM.MaxTokens,
		temperature:  cfg.LLM.Temperature,
		toolMaxIters: cfg.Tools.MaxIters,
		toolTimeout:  time.Duration(cfg.Tools.TimeoutMs) * time.Millisecond,
		strict:       cfg.Structure.StrictEnabled(),
		log:          slog.Default(),
	}
	if r.toolMaxIters < 1 {
		r.toolMaxIters = 1
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunTurn executes one tutor turn over the given conversation. query is the
// user's final transcript (already the last message in conversation); it
// drives tool gating. When tools are gated in, the turn runs the tool loop
// with no token streaming; otherwise the model streams and each delta is
// forwarded to onDelta. The returned Result always carries a valid
// Structured object.
func (r *Runtime) RunTurn(
	ctx context.Context,
	conversation []llm.Message,
	query string,
	lang config.Language,
	translatorMode bool,
	onDelta func(string),
) (*Result, error) {
	started := time.Now()
	system := BuildSystemPrompt(lang, translatorMode)
	gate := tools.Query{Text: query, TranslatorMode: translatorMode}
	offered := r.registry.Offered(gate)

	var (
		res *Result
		err error
	)
	if len(offered) > 0 {
		res, err = r.runToolLoop(ctx, system, conversation, gate, offered)
	} else {
		res, err = r.runStreaming(ctx, system, conversation, onDelta)
	}
	if err != nil {
		return nil, err
	}

	res.Structured, res.RawText = r.enforce(ctx, system, conversation, res.RawText, lang, &res.Usage)
	res.Duration = time.Since(started)
	return res, nil
}

// runToolLoop calls the model repeatedly, executing tool_use blocks between
// rounds, until the model stops requesting tools or the iteration cap hits.
func (r *Runtime) runToolLoop(
	ctx context.Context,
	system string,
	conversation []llm.Message,
	gate tools.Query,
	offered []llm.Tool,
) (*Result, error) {
	res := &Result{}
	messages := append([]llm.Message(nil), conversation...)

	for iter := 0; iter < r.toolMaxIters; iter++ {
		resp, err := r.provider.Create(ctx, llm.Request{
			System:      system,
			Messages:    messages,
			Tools:       offered,
			MaxTokens:   r.maxTokens,
			Temperature: r.temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("agent: model call (iteration %d): %w", iter+1, err)
		}
		if resp == nil {
			return nil, fmt.Errorf("agent: model call (iteration %d): empty response", iter+1)
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		res.Model = resp.Model
		res.RequestID = resp.RequestID
		res.RawText = resp.Text

		uses := resp.ToolUses()
		if len(uses) == 0 {
			break
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		results := make([]llm.ContentBlock, 0, len(uses))
		for _, use := range uses {
			res.ToolCalls = append(res.ToolCalls, ToolCall{Name: use.ToolName, Args: use.ToolInput})
			output, toolErr := r.executeTool(ctx, gate, use.ToolName, use.ToolInput)
			if toolErr != nil {
				res.ToolFailures++
				r.log.Warn("tool execution failed", "tool", use.ToolName, "error", toolErr)
				payload, _ := json.Marshal(map[string]string{"error": toolErr.Error()})
				output = string(payload)
			}
			results = append(results, llm.ContentBlock{
				Type:        llm.BlockToolResult,
				ToolID:      use.ToolID,
				ToolResult:  output,
				ToolIsError: toolErr != nil,
			})
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: results})
	}

	return res, nil
}

// executeTool runs a single tool call under the configured per-call timeout.
func (r *Runtime) executeTool(ctx context.Context, gate tools.Query, name string, input json.RawMessage) (string, error) {
	if r.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.toolTimeout)
		defer cancel()
	}
	done := make(chan struct{})
	var (
		output string
		err    error
	)
	go func() {
		defer close(done)
		output, err = r.registry.Execute(ctx, gate, name, input)
	}()
	select {
	case <-done:
		return output, err
	case <-ctx.Done():
		return "", fmt.Errorf("agent: tool %s: %w", name, ctx.Err())
	}
}

// runStreaming handles tool-free turns via StreamText.
func (r *Runtime) runStreaming(
	ctx context.Context,
	system string,
	conversation []llm.Message,
	onDelta func(string),
) (*Result, error) {
	resp, err := r.provider.StreamText(ctx, llm.Request{
		System:      system,
		Messages:    conversation,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	}, onDelta)
	if err != nil {
		return nil, fmt.Errorf("agent: streaming model call: %w", err)
	}
	if resp == nil {
		return nil, errors.New("agent: streaming model call: empty response")
	}
	return &Result{
		RawText:   resp.Text,
		Model:     resp.Model,
		RequestID: resp.RequestID,
		Usage:     resp.Usage,
	}, nil
}
