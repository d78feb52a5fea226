package app

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateQuestion(t *testing.T) {
	tests := []struct {
		name     string
		question string
		want     string
		wantErr  bool
	}{
		{name: "trims whitespace", question: "  what is go?  ", want: "what is go?"},
		{name: "empty", question: "   ", wantErr: true},
		{name: "too long", question: strings.Repeat("я", 11), wantErr: true},
		{name: "exactly max runes", question: strings.Repeat("я", 10), want: strings.Repeat("я", 10)},
		{name: "script tag", question: "hi <SCRIPT>alert(1)</script>", wantErr: true},
		{name: "javascript url", question: "open javascript:void(0)", wantErr: true},
		{name: "event handler", question: "img onerror=x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateQuestion(tt.question, 10)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidQuestion) {
					t.Fatalf("expected ErrInvalidQuestion, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTruncateAnswer(t *testing.T) {
	answer, truncated := truncateAnswer("short", 10)
	if truncated || answer != "short" {
		t.Fatalf("expected untouched answer, got %q truncated=%v", answer, truncated)
	}

	answer, truncated = truncateAnswer(strings.Repeat("ж", 20), 10)
	if !truncated {
		t.Fatal("expected truncation")
	}
	if utf8.RuneCountInString(answer) != 10 {
		t.Fatalf("expected 10 runes, got %d", utf8.RuneCountInString(answer))
	}
	if !strings.HasSuffix(answer, truncationMarker) {
		t.Fatalf("expected truncation marker, got %q", answer)
	}
}
