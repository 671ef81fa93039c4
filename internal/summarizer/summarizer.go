package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qraft-dev/qraft/internal/llm"
	"github.com/qraft-dev/qraft/internal/logger"
)

const maxPurposeLength = 120

// Annotator derives a short human-readable purpose for a finished session.
// It is best-effort enrichment: every failure path degrades to a
// deterministic summary built from the prompt itself.
type Annotator struct {
	client llm.Client
}

// NewAnnotator creates an Annotator. A nil client disables the LLM path and
// only the fallback summary is produced.
func NewAnnotator(client llm.Client) *Annotator {
	return &Annotator{client: client}
}

// GeneratePurpose produces a purpose string for a session from its original
// prompt message and the tail of its progress output.
func (a *Annotator) GeneratePurpose(ctx context.Context, message string, outputTail []string) string {
	if a.client == nil {
		return simplePurpose(message)
	}

	prompt := buildPurposePrompt(message, outputTail)

	response, err := a.client.Complete(ctx, prompt)
	if err != nil {
		logger.Warn("Failed to generate purpose with LLM, using fallback: %v", err)
		return simplePurpose(message)
	}

	var result struct {
		Purpose string `json:"purpose"`
	}
	if err := json.Unmarshal([]byte(cleanJSONResponse(response)), &result); err != nil {
		logger.Warn("Failed to parse LLM purpose response, using fallback: %v", err)
		return simplePurpose(message)
	}
	if result.Purpose == "" {
		logger.Warn("LLM returned empty purpose, using fallback")
		return simplePurpose(message)
	}

	return truncate(result.Purpose, maxPurposeLength)
}

func buildPurposePrompt(message string, outputTail []string) string {
	var sb strings.Builder

	sb.WriteString("You summarize AI coding-agent sessions. Generate a concise purpose line ")
	sb.WriteString(fmt.Sprintf("(maximum %d characters) describing what this session was for.\n\n", maxPurposeLength))
	sb.WriteString(fmt.Sprintf("Original prompt:\n%s\n\n", message))

	if len(outputTail) > 0 {
		sb.WriteString("Last agent output lines:\n")
		for _, line := range outputTail {
			sb.WriteString(fmt.Sprintf("- %s\n", line))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Examples of good purpose lines:\n")
	sb.WriteString("- \"Fix flaky retry logic in the upload worker\"\n")
	sb.WriteString("- \"Add pagination to the sessions list endpoint\"\n\n")
	sb.WriteString("Respond with ONLY a JSON object in this exact format (no markdown, no code blocks):\n")
	sb.WriteString(`{"purpose": "your summary here"}`)

	return sb.String()
}

// simplePurpose derives a purpose from the prompt message alone
func simplePurpose(message string) string {
	lines := strings.Split(message, "\n")
	purpose := strings.TrimSpace(lines[0])

	for _, prefix := range []string{"please ", "Please ", "can you ", "Can you ", "could you ", "Could you "} {
		purpose = strings.TrimPrefix(purpose, prefix)
	}

	if len(purpose) > 0 {
		runes := []rune(purpose)
		runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
		purpose = string(runes)
	}

	if purpose == "" {
		purpose = "Agent session"
	}

	return truncate(purpose, maxPurposeLength)
}

// truncate shortens s to at most max runes. Model output is arbitrary
// UTF-8, so cutting on bytes could split a rune.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// cleanJSONResponse removes markdown code fences from LLM JSON responses
func cleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}
