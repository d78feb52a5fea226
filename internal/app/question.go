package app

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const truncationMarker = "…"

var blockedQuestionPatterns = []string{"<script", "javascript:", "onerror=", "onload="}

// validateQuestion returns the trimmed question or an ErrInvalidQuestion.
func validateQuestion(question string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(question)
	if trimmed == "" {
		return "", fmt.Errorf("%w: question is empty", ErrInvalidQuestion)
	}
	if maxLength > 0 && utf8.RuneCountInString(trimmed) > maxLength {
		return "", fmt.Errorf("%w: question exceeds %d characters", ErrInvalidQuestion, maxLength)
	}
	lowered := strings.ToLower(trimmed)
	for _, pattern := range blockedQuestionPatterns {
		if strings.Contains(lowered, pattern) {
			return "", fmt.Errorf("%w: question contains disallowed content", ErrInvalidQuestion)
		}
	}
	return trimmed, nil
}

// truncateAnswer cuts answers longer than maxLength runes and appends a marker.
func truncateAnswer(answer string, maxLength int) (string, bool) {
	if maxLength <= 0 || utf8.RuneCountInString(answer) <= maxLength {
		return answer, false
	}
	runes := []rune(answer)
	keep := maxLength - utf8.RuneCountInString(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + truncationMarker, true
}
