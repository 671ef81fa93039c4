package summarizer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

type stubClient struct {
	response string
	err      error
}

func (s *stubClient) Complete(_ context.Context, _ string) (string, error) {
	return s.response, s.err
}

func (s *stubClient) GetModelName() string { return "stub" }

func TestGeneratePurposeWithoutClient(t *testing.T) {
	a := NewAnnotator(nil)

	got := a.GeneratePurpose(context.Background(), "please fix the login bug\nmore detail", nil)
	if got != "Fix the login bug" {
		t.Errorf("unexpected fallback purpose: %q", got)
	}
}

func TestGeneratePurposeFromLLM(t *testing.T) {
	t.Run("plain json", func(t *testing.T) {
		a := NewAnnotator(&stubClient{response: `{"purpose": "Refactor the queue"}`})
		got := a.GeneratePurpose(context.Background(), "msg", []string{"done"})
		if got != "Refactor the queue" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("fenced json", func(t *testing.T) {
		a := NewAnnotator(&stubClient{response: "```json\n{\"purpose\": \"Add tests\"}\n```"})
		got := a.GeneratePurpose(context.Background(), "msg", nil)
		if got != "Add tests" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("llm error falls back", func(t *testing.T) {
		a := NewAnnotator(&stubClient{err: errors.New("rate limited")})
		got := a.GeneratePurpose(context.Background(), "update the README", nil)
		if got != "Update the README" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("garbage response falls back", func(t *testing.T) {
		a := NewAnnotator(&stubClient{response: "I cannot do that"})
		got := a.GeneratePurpose(context.Background(), "deploy it", nil)
		if got != "Deploy it" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("empty purpose falls back", func(t *testing.T) {
		a := NewAnnotator(&stubClient{response: `{"purpose": ""}`})
		got := a.GeneratePurpose(context.Background(), "ship the feature", nil)
		if got != "Ship the feature" {
			t.Errorf("got %q", got)
		}
	})
}

func TestPurposeTruncation(t *testing.T) {
	long := strings.Repeat("x", 500)
	a := NewAnnotator(nil)
	got := a.GeneratePurpose(context.Background(), long, nil)
	if len(got) > maxPurposeLength {
		t.Errorf("purpose too long: %d chars", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got)
	}
}

func TestPurposeTruncationKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 60)
	a := NewAnnotator(nil)
	got := a.GeneratePurpose(context.Background(), long, nil)
	if !utf8.ValidString(got) {
		t.Errorf("truncation split a rune: %q", got)
	}
	if n := utf8.RuneCountInString(got); n > maxPurposeLength {
		t.Errorf("purpose too long: %d runes", n)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got)
	}
}

func TestEmptyMessageGetsGenericPurpose(t *testing.T) {
	a := NewAnnotator(nil)
	if got := a.GeneratePurpose(context.Background(), "   \n", nil); got != "Agent session" {
		t.Errorf("got %q", got)
	}
}
