// Package agent runs tutor turns against the LLM provider: system prompt
// construction, the tool loop, streaming for tool-free turns, and the
// structured-output enforcement that guarantees every turn ends in a valid
// response object.
package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/teachme-labs/teachme-live/internal/config"
	"github.com/teachme-labs/teachme-live/pkg/provider/llm"
)

// structuredKeys is the exact key set of a valid tutor response object.
var structuredKeys = []string{"answer", "steps", "examples", "common_mistakes", "next_exercises"}

// Structured is a validated tutor response object: "answer" is a string, the
// remaining four keys are lists.
type Structured map[string]any

// Answer returns the answer string.
func (s Structured) Answer() string {
	v, _ := s["answer"].(string)
	return v
}

// List returns the named list rendered as strings, skipping empty entries.
func (s Structured) List(key string) []string {
	items, ok := s[key].([]any)
	if !ok {
		// Objects built in Go code carry []string directly.
		if ss, ok := s[key].([]string); ok {
			return ss
		}
		return nil
	}
	var out []string
	for _, item := range items {
		text := strings.TrimSpace(asString(item))
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// PrettyJSON renders the object as indented JSON for the NOTES frame.
func (s Structured) PrettyJSON() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// CompactJSON renders the object as minified JSON.
func (s Structured) CompactJSON() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

var (
	fenceOpen  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```$")
	fenceAny   = regexp.MustCompile("(?i)```(?:json)?")
)

// ParseStructured extracts and validates the first balanced JSON object in
// text. It strips markdown fences, locates the first '{', walks brace depth
// (tracking string state so braces inside values do not confuse the scan),
// and checks the key set and value types exactly. Returns nil when no valid
// object is found.
func ParseStructured(text string) Structured {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil
	}
	raw = fenceOpen.ReplaceAllString(raw, "")
	raw = fenceClose.ReplaceAllString(raw, "")

	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil
	}
	end := matchBrace(raw, start)
	if end <= start {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &obj); err != nil {
		return nil
	}
	if !validShape(obj) {
		return nil
	}
	return Structured(obj)
}

// matchBrace returns the index of the '}' matching the '{' at start, or -1.
// String literals (including escaped quotes) are skipped.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// validShape checks the exact key set: answer is a string, the other four
// keys are lists, and nothing else is present.
func validShape(obj map[string]any) bool {
	if len(obj) != len(structuredKeys) {
		return false
	}
	if _, ok := obj["answer"].(string); !ok {
		return false
	}
	for _, key := range structuredKeys[1:] {
		if _, ok := obj[key].([]any); !ok {
			return false
		}
	}
	return true
}

// Fallback returns the canned response object for the target language. It is
// always a valid Structured.
func Fallback(lang config.Language) Structured {
	if lang == config.LangKorean {
		return Structured{
			"answer":          "질문을 정확히 이해했는지 확인하고 싶어요. 핵심을 한 문장으로 다시 말해주실래요?",
			"steps":           []any{"질문의 핵심 개념을 확인하기", "주어진 조건 정리하기", "한 단계씩 풀이하기"},
			"examples":        []any{"예: 2x+3=11 이면 2x=8, x=4"},
			"common_mistakes": []any{"조건을 빠뜨림", "계산 부호 실수"},
			"next_exercises":  []any{"비슷한 문제 2개를 풀어보기", "풀이 과정을 소리 내어 설명하기"},
		}
	}
	return Structured{
		"answer":          "I want to make sure I understood your question. Could you restate it in one short sentence?",
		"steps":           []any{"Identify the core concept", "List given constraints", "Solve one step at a time"},
		"examples":        []any{"Example: if 2x+3=11, then 2x=8, x=4"},
		"common_mistakes": []any{"Skipping constraints", "Sign errors in arithmetic"},
		"next_exercises":  []any{"Solve 2 similar problems", "Explain your steps out loud"},
	}
}

var (
	mistakeMarkers  = []string{"mistake", "error", "wrong", "실수"}
	exerciseMarkers = []string{"next", "practice", "exercise", "연습", "다음"}
)

// Coerce deterministically turns arbitrary model text into a valid response
// object. It never fails: slots that cannot be extracted fall back to the
// canned object for the language.
func Coerce(text string, lang config.Language) Structured {
	base := Fallback(lang)
	raw := strings.TrimSpace(text)
	if raw == "" {
		return base
	}
	if parsed := ParseStructured(raw); parsed != nil {
		return parsed
	}

	cleaned := strings.TrimSpace(strings.ReplaceAll(fenceAny.ReplaceAllString(raw, ""), "```", ""))
	var lines []string
	for _, ln := range strings.Split(cleaned, "\n") {
		ln = strings.Trim(ln, " -\t")
		if ln != "" {
			lines = append(lines, ln)
		}
	}
	answer := truncateRunes(cleaned, 280)
	if len(lines) > 0 {
		answer = lines[0]
	}
	if answer == "" {
		return base
	}

	var bullets []string
	if len(lines) > 1 {
		for _, ln := range lines[1:] {
			if len(ln) > 3 {
				bullets = append(bullets, ln)
			}
		}
	}

	steps := firstN(bullets, 3)
	examples := firstN(filterFunc(bullets, containsDigit), 3)
	mistakes := filterMarked(bullets, mistakeMarkers)
	exercises := filterMarked(bullets, exerciseMarkers)

	out := Structured{
		"answer":          answer,
		"steps":           orDefault(steps, base["steps"]),
		"examples":        orDefault(examples, base["examples"]),
		"common_mistakes": orDefault(mistakes, base["common_mistakes"]),
		"next_exercises":  orDefault(exercises, base["next_exercises"]),
	}
	return out
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func filterFunc(items []string, keep func(string) bool) []string {
	var out []string
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}

func filterMarked(items, markers []string) []string {
	return filterFunc(items, func(s string) bool {
		lower := strings.ToLower(s)
		for _, m := range markers {
			if strings.Contains(lower, m) {
				return true
			}
		}
		return false
	})
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func orDefault(items []string, fallback any) any {
	if len(items) == 0 {
		return fallback
	}
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// repairInstruction is appended as a user turn during structured repair.
const repairInstruction = "Output MUST be a valid minified JSON object only. " +
	"Repair the previous answer. Return ONLY strict JSON with keys " +
	"answer, steps, examples, common_mistakes, next_exercises. " +
	"No markdown and no code fences."

const (
	repairMaxAttempts = 2
	repairMaxTokens   = 300
)

// enforce guarantees a valid Structured for raw model text. When strict mode
// is on and parsing fails, it runs up to two bounded repair calls at
// temperature 0 before falling back to deterministic coercion. The returned
// text is the raw text that produced the object (repaired text, or the
// object's own JSON when coerced). Extra token usage from repair calls is
// accumulated into usage.
func (r *Runtime) enforce(ctx context.Context, system string, conversation []llm.Message, raw string, lang config.Language, usage *llm.Usage) (Structured, string) {
	if parsed := ParseStructured(raw); parsed != nil {
		return parsed, raw
	}

	if r.strict {
		maxTokens := r.maxTokens
		if maxTokens <= 0 || maxTokens > repairMaxTokens {
			maxTokens = repairMaxTokens
		}
		for attempt := 0; attempt < repairMaxAttempts; attempt++ {
			if ctx.Err() != nil {
				break
			}
			messages := append(append([]llm.Message(nil), conversation...),
				llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: raw}}},
				llm.TextMessage(llm.RoleUser, repairInstruction),
			)
			resp, err := r.provider.Create(ctx, llm.Request{
				System:      system,
				Messages:    messages,
				MaxTokens:   maxTokens,
				Temperature: 0,
			})
			if err != nil || resp == nil {
				continue
			}
			usage.InputTokens += resp.Usage.InputTokens
			usage.OutputTokens += resp.Usage.OutputTokens
			if parsed := ParseStructured(resp.Text); parsed != nil {
				return parsed, resp.Text
			}
		}
	}

	coerced := Coerce(raw, lang)
	return coerced, coerced.CompactJSON()
}
