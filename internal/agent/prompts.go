package agent

import (
	"fmt"
	"strings"

	"github.com/teachme-labs/teachme-live/internal/config"
)

// NotesPrompt asks the model for session notes. Notes turns never synthesize
// audio.
const NotesPrompt = "Summarize our tutoring session so far. " +
	"Return JSON with answer, steps, examples, common_mistakes, next_exercises. " +
	"Do NOT speak these aloud; just return text notes."

// BuildSystemPrompt constructs the structured-output system prompt for a
// turn. The prompt pins the answer language and the exact JSON contract.
func BuildSystemPrompt(lang config.Language, translatorMode bool) string {
	langName := "English"
	if lang == config.LangKorean {
		langName = "Korean (존댓말)"
	}
	translator := "Translator mode is disabled."
	if translatorMode {
		translator = "Translator mode is enabled. If user language differs from target output language, briefly interpret intent first."
	}
	return fmt.Sprintf(
		"You are a realtime tutor. Always answer in %s. %s "+
			"Return ONLY valid JSON with keys: answer, steps, examples, common_mistakes, next_exercises. "+
			"Do not include markdown, code fences, backticks, or prose before/after JSON. "+
			"Keep answer concise and practical.",
		langName, translator)
}

// ClarificationText is spoken when transcript confidence falls below the
// configured threshold.
func ClarificationText(lang config.Language) string {
	if lang == config.LangKorean {
		return "방금 말씀을 정확히 듣지 못했어요. 한 번만 더 천천히 말씀해 주실래요?"
	}
	return "I couldn't catch that clearly. Could you repeat it once more, a bit slowly?"
}

// ImageGuardText is spoken when the query refers to an image but none has
// been uploaded.
func ImageGuardText(lang config.Language) string {
	if lang == config.LangKorean {
		return "이미지 관련 질문을 하셨다면 먼저 이미지를 업로드해 주세요."
	}
	return "If your question is about an image, please upload the image first."
}

// QuickSummary is the canned response spoken when the model call exceeds the
// turn budget.
func QuickSummary(lang config.Language) Structured {
	quick := Fallback(lang)
	if lang == config.LangKorean {
		quick["answer"] = "응답이 길어질 것 같아 핵심만 먼저 짧게 정리할게요."
	} else {
		quick["answer"] = "This may take longer, so here is a quick summary first."
	}
	return quick
}

var imageMarkers = []string{"this image", "in the image", "picture", "사진", "이미지", "첨부된"}

// IsImageQuery reports whether the query refers to an uploaded image.
func IsImageQuery(query string) bool {
	lower := strings.ToLower(query)
	for _, m := range imageMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// SpeakableText flattens a response object into the utterance handed to TTS:
// the answer, up to three numbered steps under a language-specific heading,
// and at most one example.
func SpeakableText(s Structured, lang config.Language) string {
	lines := []string{strings.TrimSpace(s.Answer())}

	steps := s.List("steps")
	if len(steps) > 3 {
		steps = steps[:3]
	}
	if len(steps) > 0 {
		if lang == config.LangKorean {
			lines = append(lines, "핵심 단계:")
		} else {
			lines = append(lines, "Key steps:")
		}
		for i, step := range steps {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, step))
		}
	}

	if examples := s.List("examples"); len(examples) > 0 {
		if lang == config.LangKorean {
			lines = append(lines, "예시: "+examples[0])
		} else {
			lines = append(lines, "Example: "+examples[0])
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
