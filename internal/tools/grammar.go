package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// grammarKeywords trigger the grammar gate directly.
var grammarKeywords = []string{
	"grammar", "grammatically", "correct my", "fix my", "check my",
	"is this correct", "proofread",
	"문법", "교정", "맞춤법",
}

// rewriteKeywords trigger the grammar gate only in translator mode, where
// rewrite requests imply a correction pass.
var rewriteKeywords = []string{
	"rewrite", "rephrase", "translate", "say this",
	"번역", "바꿔", "다시 써",
}

type grammarArgs struct {
	// Text is the learner sentence to check.
	Text string `json:"text" jsonschema:"description=The sentence to check for grammar mistakes" validate:"required,min=1,max=500"`
}

type grammarMistake struct {
	Found       string `json:"found"`
	Correction  string `json:"correction"`
	Explanation string `json:"explanation"`
	// EditDistance is the Levenshtein distance between the found fragment
	// and its correction, a rough severity signal.
	EditDistance int `json:"edit_distance"`
}

type grammarResult struct {
	OriginalText  string           `json:"original_text"`
	CorrectedText string           `json:"corrected_text"`
	Mistakes      []grammarMistake `json:"mistakes"`
}

func grammarCheckTool() *Tool {
	return &Tool{
		Name: "grammar_check",
		Description: "Checks an English sentence for common grammar mistakes " +
			"and returns a corrected version with explanations. " +
			"Use it when the learner asks whether their sentence is correct.",
		Args:    &grammarArgs{},
		Offer:   grammarGate,
		Handler: checkGrammar,
	}
}

// grammarGate passes on explicit grammar vocabulary, or on rewrite vocabulary
// when the session runs in translator mode.
func grammarGate(q Query) bool {
	lower := strings.ToLower(q.Text)
	for _, kw := range grammarKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if q.TranslatorMode {
		for _, kw := range rewriteKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

func checkGrammar(_ context.Context, raw json.RawMessage) (string, error) {
	var args grammarArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("tools: grammar_check: decode args: %w", err)
	}

	corrected, mistakes := applyGrammarFixes(args.Text)

	out, err := json.Marshal(grammarResult{
		OriginalText:  args.Text,
		CorrectedText: corrected,
		Mistakes:      mistakes,
	})
	if err != nil {
		return "", fmt.Errorf("tools: grammar_check: encode result: %w", err)
	}
	return string(out), nil
}

// substitution is one deterministic phrase-level fix. Matching is
// case-insensitive over the running corrected text.
type substitution struct {
	found       string
	correction  string
	explanation string
}

var substitutions = []substitution{
	{"i am agree", "I agree", "\"agree\" is already a verb, so it does not take \"am\"."},
	{"i am disagree", "I disagree", "\"disagree\" is already a verb, so it does not take \"am\"."},
	{"doesn't has", "doesn't have", "After \"doesn't\" the verb stays in its base form: \"have\"."},
	{"don't has", "don't have", "After \"don't\" the verb stays in its base form: \"have\"."},
	{"didn't went", "didn't go", "After \"didn't\" the verb stays in its base form: \"go\"."},
	{"more better", "better", "\"better\" is already comparative; \"more\" is redundant."},
	{"peoples", "people", "\"people\" is already plural."},
}

// applyGrammarFixes runs the fixed substitution table, then normalizes
// sentence-initial capitalization and terminal punctuation.
func applyGrammarFixes(text string) (string, []grammarMistake) {
	corrected := strings.TrimSpace(text)
	mistakes := []grammarMistake{}

	for _, sub := range substitutions {
		idx := indexFold(corrected, sub.found)
		if idx < 0 {
			continue
		}
		found := corrected[idx : idx+len(sub.found)]
		corrected = corrected[:idx] + sub.correction + corrected[idx+len(sub.found):]
		mistakes = append(mistakes, grammarMistake{
			Found:        found,
			Correction:   sub.correction,
			Explanation:  sub.explanation,
			EditDistance: matchr.Levenshtein(found, sub.correction),
		})
	}

	// Standalone lowercase "i" as a pronoun.
	words := strings.Split(corrected, " ")
	for i, w := range words {
		if w == "i" {
			words[i] = "I"
			mistakes = append(mistakes, grammarMistake{
				Found:        "i",
				Correction:   "I",
				Explanation:  "The pronoun \"I\" is always capitalized.",
				EditDistance: 1,
			})
			break
		}
	}
	corrected = strings.Join(words, " ")

	if fixed, ok := capitalizeFirst(corrected); ok {
		mistakes = append(mistakes, grammarMistake{
			Found:        corrected,
			Correction:   fixed,
			Explanation:  "Sentences start with a capital letter.",
			EditDistance: matchr.Levenshtein(corrected, fixed),
		})
		corrected = fixed
	}

	if corrected != "" && !strings.ContainsRune(".!?", rune(corrected[len(corrected)-1])) {
		fixed := corrected + "."
		mistakes = append(mistakes, grammarMistake{
			Found:        corrected,
			Correction:   fixed,
			Explanation:  "Sentences end with terminal punctuation.",
			EditDistance: 1,
		})
		corrected = fixed
	}

	return corrected, mistakes
}

// capitalizeFirst upper-cases the first letter when it is a lowercase ASCII
// or Latin letter. Returns the fixed string and whether anything changed.
func capitalizeFirst(s string) (string, bool) {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsLower(r) {
		return s, false
	}
	return string(unicode.ToUpper(r)) + s[size:], true
}

// indexFold is a case-insensitive strings.Index restricted to ASCII folding,
// which is all the substitution table needs.
func indexFold(s, substr string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(substr))
}
