package pipeline

import (
	"strings"

	"github.com/google/uuid"

	"ccfleet/internal/claude"
)

// IsTestMessage reports whether the request is a connectivity check: a single
// user message whose text is just "test". Clients and SDK setup wizards send
// these; answering locally keeps them from burning account quota.
func IsTestMessage(req *claude.MessagesRequest) bool {
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		return false
	}
	blocks := req.Messages[0].Content.AsBlocks()
	if len(blocks) != 1 || blocks[0].Type != "text" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(blocks[0].Text), "test")
}

// TestMessageStream synthesizes the full event sequence for a canned reply,
// so streaming and non-streaming callers both work without touching upstream.
func TestMessageStream(req *claude.MessagesRequest) EventStream {
	const reply = "Hello! The proxy is up and routing correctly."

	msg := &claude.MessagesResponse{
		ID:    "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:  "message",
		Role:  "assistant",
		Model: req.Model,
		Usage: claude.Usage{InputTokens: estimateTokens("test"), OutputTokens: estimateTokens(reply)},
	}

	return FromEvents(
		&claude.Event{Type: claude.EventMessageStart, Message: msg},
		(&claude.Event{Type: claude.EventContentBlockStart, ContentBlock: &claude.ContentBlock{Type: "text"}}).WithIndex(0),
		claude.TextDeltaEvent(0, reply),
		(&claude.Event{Type: claude.EventContentBlockStop}).WithIndex(0),
		claude.StopEvent("end_turn", "", &claude.Usage{OutputTokens: estimateTokens(reply)}),
		claude.MessageStopEvent(),
	)
}
