package driver

import (
	"encoding/json"
	"strings"
	"testing"

	"ccfleet/internal/claude"
)

func TestRenderPromptTranscript(t *testing.T) {
	req := &claude.MessagesRequest{
		System: json.RawMessage(`"You are terse."`),
		Messages: []claude.Message{
			{Role: "user", Content: claude.TextContent("What is 2+2?")},
			{Role: "assistant", Content: claude.TextContent("4")},
			{Role: "user", Content: claude.TextContent("And 3+3?")},
		},
	}

	prompt := renderPrompt(req)

	if !strings.HasPrefix(prompt, "You are terse.") {
		t.Errorf("system prompt missing:\n%s", prompt)
	}
	for _, want := range []string{"Human: What is 2+2?", "Assistant: 4", "Human: And 3+3?"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if !strings.HasSuffix(prompt, "Assistant:") {
		t.Errorf("prompt must end with the assistant cue:\n%s", prompt)
	}
}

func TestRenderPromptDeclaresClientTools(t *testing.T) {
	req := &claude.MessagesRequest{
		Tools: []claude.Tool{
			{Name: "get_weather", Description: "Look up weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "web_search", Type: "web_search_20250305"},
		},
		Messages: []claude.Message{{Role: "user", Content: claude.TextContent("hi")}},
	}

	prompt := renderPrompt(req)

	if !strings.Contains(prompt, "get_weather: Look up weather") {
		t.Errorf("client tool not declared:\n%s", prompt)
	}
	if strings.Contains(prompt, "web_search") {
		t.Errorf("server tool leaked into the prompt:\n%s", prompt)
	}
}

func TestRenderPromptReplaysToolTraffic(t *testing.T) {
	req := &claude.MessagesRequest{
		Messages: []claude.Message{
			{Role: "user", Content: claude.TextContent("weather in SF?")},
			{Role: "assistant", Content: claude.BlocksContent(
				claude.ContentBlock{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"SF"}`)},
			)},
			{Role: "user", Content: claude.BlocksContent(
				claude.ContentBlock{Type: "tool_result", ToolUseID: "toolu_1", Content: json.RawMessage(`"sunny, 18C"`)},
			)},
		},
	}

	prompt := renderPrompt(req)

	if !strings.Contains(prompt, `[Called tool get_weather with input: {"city":"SF"}]`) {
		t.Errorf("tool_use not replayed:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[Tool result for toolu_1: sunny, 18C]") {
		t.Errorf("tool_result not replayed:\n%s", prompt)
	}
}

func TestRenderPromptDropsThinking(t *testing.T) {
	req := &claude.MessagesRequest{
		Messages: []claude.Message{
			{Role: "assistant", Content: claude.BlocksContent(
				claude.ContentBlock{Type: "thinking", Thinking: "secret reasoning"},
				claude.ContentBlock{Type: "text", Text: "the answer"},
			)},
		},
	}

	prompt := renderPrompt(req)
	if strings.Contains(prompt, "secret reasoning") {
		t.Errorf("prior-turn thinking leaked:\n%s", prompt)
	}
	if !strings.Contains(prompt, "the answer") {
		t.Errorf("text block dropped:\n%s", prompt)
	}
}

func TestRenderSystemBlocks(t *testing.T) {
	sys := json.RawMessage(`[{"type":"text","text":"one"},{"type":"text","text":"two"}]`)
	if got := renderSystem(sys); got != "one\ntwo" {
		t.Errorf("renderSystem = %q", got)
	}
}

func TestNeedsWebSearch(t *testing.T) {
	tests := []struct {
		name string
		req  claude.MessagesRequest
		want bool
	}{
		{"no tools", claude.MessagesRequest{}, false},
		{"typed server tool", claude.MessagesRequest{
			Tools: []claude.Tool{{Name: "web_search", Type: "web_search_20250305"}}}, true},
		{"bare name", claude.MessagesRequest{
			Tools: []claude.Tool{{Name: "web_search"}}}, true},
		{"client tool only", claude.MessagesRequest{
			Tools: []claude.Tool{{Name: "get_weather"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsWebSearch(&tt.req); got != tt.want {
				t.Errorf("NeedsWebSearch() = %v, want %v", got, tt.want)
			}
		})
	}
}
