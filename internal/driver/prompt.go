package driver

import (
	"bytes"
	"encoding/json"
	"strings"

	"ccfleet/internal/claude"
)

// NeedsWebSearch reports whether the request asks for server-side web
// search. On the web path that maps to a conversation setting, not a tool
// declaration.
func NeedsWebSearch(req *claude.MessagesRequest) bool {
	for _, t := range req.Tools {
		if strings.HasPrefix(t.Type, "web_search") || t.Name == "web_search" {
			return true
		}
	}
	return false
}

// clientTools returns the tools that must be declared in the rendered
// prompt: everything except server tools, which the web app runs itself.
func clientTools(req *claude.MessagesRequest) []claude.Tool {
	var out []claude.Tool
	for _, t := range req.Tools {
		if t.IsServerTool() || t.Name == "web_search" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// renderPrompt flattens the full transcript into the single prompt string
// the web completion endpoint takes. The web app has no native message list,
// system field, or client tool protocol, so all three are rendered as text.
func renderPrompt(req *claude.MessagesRequest) string {
	var b strings.Builder

	if sys := renderSystem(req.System); sys != "" {
		b.WriteString(sys)
		b.WriteString("\n\n")
	}

	if tools := clientTools(req); len(tools) > 0 {
		b.WriteString("You may call the following tools. To call one, reply with a single tool_use block naming the tool and its JSON input.\n")
		for _, t := range tools {
			b.WriteString("- ")
			b.WriteString(t.Name)
			if t.Description != "" {
				b.WriteString(": ")
				b.WriteString(t.Description)
			}
			b.WriteString("\n")
			if len(t.InputSchema) > 0 {
				b.WriteString("  input schema: ")
				b.Write(compactJSON(t.InputSchema))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	for _, m := range req.Messages {
		label := "Human"
		if m.Role == "assistant" {
			label = "Assistant"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(renderContent(m.Content))
		b.WriteString("\n\n")
	}

	b.WriteString("Assistant:")
	return b.String()
}

func renderSystem(system json.RawMessage) string {
	if len(system) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(system, &s); err == nil {
		return s
	}
	var blocks []claude.ContentBlock
	if err := json.Unmarshal(system, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, blk := range blocks {
		if blk.Text != "" {
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func renderContent(content claude.MessageContent) string {
	var parts []string
	for _, blk := range content.AsBlocks() {
		if s := renderBlock(&blk); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// renderBlock turns one content block into prompt text. Tool traffic is the
// interesting case: tool_use and tool_result blocks from earlier turns are
// replayed as text so the model sees the whole exchange.
func renderBlock(b *claude.ContentBlock) string {
	switch b.Type {
	case "text":
		return b.Text
	case "thinking", "redacted_thinking":
		// Prior-turn thinking never goes back upstream.
		return ""
	case "tool_use", "server_tool_use":
		return "[Called tool " + b.Name + " with input: " + string(compactJSON(b.Input)) + "]"
	case "tool_result":
		prefix := "[Tool result"
		if b.IsError {
			prefix = "[Tool error"
		}
		return prefix + " for " + b.ToolUseID + ": " + renderToolResult(b.Content) + "]"
	case "image":
		return "[Image attachment omitted]"
	default:
		return ""
	}
}

func renderToolResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []claude.ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, blk := range blocks {
			if blk.Text != "" {
				parts = append(parts, blk.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(content)
}

func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
