package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestNewIdentityRejectsBlankInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "whitespace", input: "   "},
		{name: "too-long", input: strings.Repeat("x", maxIdentifierLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIdentity(tt.input)
			if !errors.Is(err, ErrInvalidIdentity) {
				t.Fatalf("expected ErrInvalidIdentity, got %v", err)
			}
		})
	}
}

func TestNewIdentityTrimsSurroundingWhitespace(t *testing.T) {
	identity, err := NewIdentity("  caller-1  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.String() != "caller-1" {
		t.Fatalf("expected trimmed identity, got %q", identity.String())
	}
}

func TestValidateNameSharedRule(t *testing.T) {
	if _, err := validateName(""); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput for empty name, got %v", err)
	}
	if _, err := validateMessage("   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput for blank message, got %v", err)
	}

	value, err := validateName("  Room A  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "  Room A  " {
		t.Fatalf("expected value returned unchanged, got %q", value)
	}
}
