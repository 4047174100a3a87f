// Package tools provides the tutor's built-in tool registry: deterministic,
// intent-gated tool definitions offered to the model and executed with strict
// argument validation.
//
// Each tool carries two gates over the user's query text: offer (is the tool
// advertised to the model at all) and execute (may a tool_use block for it be
// dispatched). Argument structs are validated with
// github.com/go-playground/validator before the handler runs, and their JSON
// input schemas are reflected with github.com/invopop/jsonschema so the
// definitions never drift from the structs.
//
// Per-call timeouts are the caller's job, not the handler's.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/teachme-labs/teachme-live/pkg/provider/llm"
)

// Registry errors.
var (
	// ErrUnknownTool is returned when a tool_use names a tool the registry
	// does not define.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrNotPermitted is returned when a tool_use names a tool whose execute
	// gate rejects the query.
	ErrNotPermitted = errors.New("tools: tool not permitted for this query")

	// ErrInvalidArgs is returned when arguments fail decoding or validation.
	ErrInvalidArgs = errors.New("tools: invalid arguments")
)

// Query is the gating context: what the user asked and in which session mode.
type Query struct {
	Text           string
	TranslatorMode bool
}

// Handler executes a tool against already-validated raw JSON arguments and
// returns a JSON-encoded result.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string

	// Args is a pointer to the zero value of the argument struct; its JSON
	// schema is reflected from it and incoming arguments are validated
	// against its `validate` tags.
	Args any

	// Offer reports whether the tool is advertised to the model for q.
	Offer func(q Query) bool

	// Execute reports whether a tool_use for q may be dispatched. Defaults
	// to Offer when nil.
	Execute func(q Query) bool

	Handler Handler

	properties map[string]any
	required   []string
}

// Registry holds the tutor's tools.
type Registry struct {
	tools    []*Tool
	validate *validator.Validate
}

// NewRegistry returns a registry with the built-in tutor tools
// (math_solver and grammar_check).
func NewRegistry() *Registry {
	r := &Registry{validate: validator.New()}
	r.register(mathSolverTool())
	r.register(grammarCheckTool())
	return r
}

func (r *Registry) register(t *Tool) {
	t.properties, t.required = reflectSchema(t.Args)
	if t.Execute == nil {
		t.Execute = t.Offer
	}
	r.tools = append(r.tools, t)
}

// Offered returns the definitions of all tools whose offer gate passes for q,
// ready to hand to the model.
func (r *Registry) Offered(q Query) []llm.Tool {
	var out []llm.Tool
	for _, t := range r.tools {
		if !t.Offer(q) {
			continue
		}
		out = append(out, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.properties,
			Required:    t.required,
		})
	}
	return out
}

// Execute validates input against the named tool's argument struct and runs
// its handler. The caller owns the timeout: pass a context with a deadline.
func (r *Registry) Execute(ctx context.Context, q Query, name string, input json.RawMessage) (string, error) {
	var tool *Tool
	for _, t := range r.tools {
		if t.Name == name {
			tool = t
			break
		}
	}
	if tool == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if !tool.Execute(q) {
		return "", fmt.Errorf("%w: %q", ErrNotPermitted, name)
	}
	if err := r.checkArgs(tool, input); err != nil {
		return "", err
	}
	return tool.Handler(ctx, input)
}

// checkArgs decodes input into a fresh copy of the tool's argument struct and
// validates it. Unknown fields and type mismatches are rejected.
func (r *Registry) checkArgs(tool *Tool, input json.RawMessage) error {
	args := reflect.New(reflect.TypeOf(tool.Args).Elem()).Interface()
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgs, tool.Name, err)
	}
	if err := r.validate.Struct(args); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgs, tool.Name, err)
	}
	return nil
}

// reflectSchema produces the JSON Schema properties/required pair for an
// argument struct.
func reflectSchema(args any) (map[string]any, []string) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(args)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}, nil
	}
	var parsed struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return map[string]any{}, nil
	}
	return parsed.Properties, parsed.Required
}
