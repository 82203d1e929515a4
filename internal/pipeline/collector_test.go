package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"ccfleet/internal/claude"
)

func TestCollectorMaterializesMessage(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{Model: "claude-sonnet-4", MaxTokens: 100,
		Messages: []claude.Message{{Role: "user", Content: claude.TextContent("hello there")}}})

	in := FromEvents(
		&claude.Event{Type: claude.EventMessageStart,
			Message: &claude.MessagesResponse{ID: "msg_1", Type: "message", Role: "assistant", Model: "claude-sonnet-4"}},
		(&claude.Event{Type: claude.EventContentBlockStart,
			ContentBlock: &claude.ContentBlock{Type: "text"}}).WithIndex(0),
		claude.TextDeltaEvent(0, "Hello"),
		claude.TextDeltaEvent(0, " world"),
		(&claude.Event{Type: claude.EventContentBlockStop}).WithIndex(0),
		&claude.Event{Type: claude.EventMessageDelta, Delta: &claude.Delta{StopReason: "end_turn"}},
		claude.MessageStopEvent(),
	)

	stream := Chain(pc, in, MessageCollector, TokenCounter)
	if err := Drain(context.Background(), stream); err != nil {
		t.Fatal(err)
	}

	got := pc.Collected
	if got == nil {
		t.Fatal("nothing collected")
	}
	if got.ID != "msg_1" || got.Role != "assistant" {
		t.Errorf("envelope = %+v", got)
	}
	if len(got.Content) != 1 || got.Content[0].Text != "Hello world" {
		t.Errorf("content = %+v", got.Content)
	}
	if got.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", got.StopReason)
	}

	// No upstream usage, so the counts must be estimates.
	if pc.UsageFromUpstream {
		t.Error("usage wrongly marked as upstream-reported")
	}
	if got.Usage.InputTokens == 0 || got.Usage.OutputTokens == 0 {
		t.Errorf("estimated usage missing: %+v", got.Usage)
	}
}

func TestTokenCounterEstimatesStreamedOutput(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{Model: "m", MaxTokens: 50,
		Messages: []claude.Message{{Role: "user", Content: claude.TextContent("hi")}}})

	in := FromEvents(
		&claude.Event{Type: claude.EventMessageStart,
			Message: &claude.MessagesResponse{ID: "msg_3", Type: "message", Role: "assistant"}},
		(&claude.Event{Type: claude.EventContentBlockStart,
			ContentBlock: &claude.ContentBlock{Type: "text"}}).WithIndex(0),
		claude.TextDeltaEvent(0, "Hello"),
		claude.TextDeltaEvent(0, " world!"),
		(&claude.Event{Type: claude.EventContentBlockStop}).WithIndex(0),
		&claude.Event{Type: claude.EventMessageDelta, Delta: &claude.Delta{StopReason: "end_turn"}},
		claude.MessageStopEvent(),
	)

	stream := Chain(pc, in, MessageCollector, TokenCounter)
	var delta *claude.Event
	for {
		ev, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if ev.Type == claude.EventMessageDelta {
			delta = ev
		}
	}

	// message_delta arrives before the collector materializes the content,
	// so the estimate there must come from the deltas already streamed.
	// "Hello world!" is 12 characters, three tokens at four per token.
	if delta == nil || delta.Usage == nil {
		t.Fatal("message_delta carried no estimated usage")
	}
	if delta.Usage.OutputTokens != 3 {
		t.Errorf("streamed output estimate = %d, want 3", delta.Usage.OutputTokens)
	}
	if pc.Collected.Usage.OutputTokens != 3 {
		t.Errorf("collected output estimate = %d, want 3", pc.Collected.Usage.OutputTokens)
	}
}

func TestCollectorAssemblesToolUseInput(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{Model: "m"})

	in := FromEvents(
		&claude.Event{Type: claude.EventMessageStart, Message: &claude.MessagesResponse{ID: "msg_2"}},
		(&claude.Event{Type: claude.EventContentBlockStart,
			ContentBlock: &claude.ContentBlock{Type: "tool_use", ID: "toolu_1", Name: "get_weather"}}).WithIndex(0),
		(&claude.Event{Type: claude.EventContentBlockDelta,
			Delta: &claude.Delta{Type: claude.DeltaInputJSON, PartialJSON: `{"city":`}}).WithIndex(0),
		(&claude.Event{Type: claude.EventContentBlockDelta,
			Delta: &claude.Delta{Type: claude.DeltaInputJSON, PartialJSON: `"SF"}`}}).WithIndex(0),
		(&claude.Event{Type: claude.EventContentBlockStop}).WithIndex(0),
		claude.MessageStopEvent(),
	)

	if err := Drain(context.Background(), Chain(pc, in, MessageCollector)); err != nil {
		t.Fatal(err)
	}

	block := pc.Collected.Content[0]
	var input map[string]string
	if err := json.Unmarshal(block.Input, &input); err != nil {
		t.Fatalf("assembled input is not valid JSON: %s", block.Input)
	}
	if input["city"] != "SF" {
		t.Errorf("input = %v", input)
	}
}

func TestCollectorPrefersUpstreamUsage(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{Model: "m"})

	in := FromEvents(
		&claude.Event{Type: claude.EventMessageStart,
			Message: &claude.MessagesResponse{ID: "msg_3", Usage: claude.Usage{InputTokens: 42}}},
		&claude.Event{Type: claude.EventMessageDelta,
			Delta: &claude.Delta{StopReason: "end_turn"},
			Usage: &claude.Usage{InputTokens: 42, OutputTokens: 17}},
		claude.MessageStopEvent(),
	)

	if err := Drain(context.Background(), Chain(pc, in, MessageCollector, TokenCounter)); err != nil {
		t.Fatal(err)
	}

	if !pc.UsageFromUpstream {
		t.Fatal("upstream usage not detected")
	}
	if pc.Collected.Usage.InputTokens != 42 || pc.Collected.Usage.OutputTokens != 17 {
		t.Errorf("usage = %+v", pc.Collected.Usage)
	}
}

func TestDetectOverloadCatchesEarlyError(t *testing.T) {
	in := FromEvents(
		&claude.Event{Type: claude.EventPing},
		&claude.Event{Type: claude.EventError,
			Error: &claude.ErrorDetail{Type: "overloaded_error", Message: "Overloaded"}},
	)

	_, err := DetectOverload(context.Background(), in)
	if err == nil {
		t.Fatal("expected overload error")
	}
	if !strings.Contains(err.Error(), "overload") {
		t.Errorf("error = %v", err)
	}
}

func TestDetectOverloadReplaysPeekedEvents(t *testing.T) {
	in := FromEvents(
		&claude.Event{Type: claude.EventPing},
		&claude.Event{Type: claude.EventMessageStart, Message: &claude.MessagesResponse{ID: "msg_4"}},
		claude.MessageStopEvent(),
	)

	stream, err := DetectOverload(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	events := drainAll(t, stream)
	if len(events) != 3 {
		t.Fatalf("got %d events after replay, want 3", len(events))
	}
	if events[0].Type != claude.EventPing || events[1].Type != claude.EventMessageStart {
		t.Errorf("replay order broken: %s, %s", events[0].Type, events[1].Type)
	}
}

func TestIsTestMessage(t *testing.T) {
	tests := []struct {
		name string
		req  claude.MessagesRequest
		want bool
	}{
		{
			name: "plain test string",
			req: claude.MessagesRequest{Messages: []claude.Message{
				{Role: "user", Content: claude.TextContent("test")}}},
			want: true,
		},
		{
			name: "case and whitespace tolerant",
			req: claude.MessagesRequest{Messages: []claude.Message{
				{Role: "user", Content: claude.TextContent("  TEST ")}}},
			want: true,
		},
		{
			name: "block content",
			req: claude.MessagesRequest{Messages: []claude.Message{
				{Role: "user", Content: claude.BlocksContent(claude.ContentBlock{Type: "text", Text: "test"})}}},
			want: true,
		},
		{
			name: "real question",
			req: claude.MessagesRequest{Messages: []claude.Message{
				{Role: "user", Content: claude.TextContent("test my regex please")}}},
			want: false,
		},
		{
			name: "multi-turn",
			req: claude.MessagesRequest{Messages: []claude.Message{
				{Role: "user", Content: claude.TextContent("test")},
				{Role: "assistant", Content: claude.TextContent("ok")}}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTestMessage(&tt.req); got != tt.want {
				t.Errorf("IsTestMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmitSSEWritesFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := FromEvents(
		&claude.Event{Type: claude.EventMessageStart, Message: &claude.MessagesResponse{ID: "msg_5"}},
		claude.MessageStopEvent(),
	)

	if err := EmitSSE(context.Background(), rec, stream); err != nil {
		t.Fatal(err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: message_start\ndata: ") {
		t.Errorf("missing message_start frame:\n%s", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Error("frames must end with a blank line")
	}
}

func TestCollectFailsWithoutMessageStart(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{})
	_, err := Collect(context.Background(), pc, FromEvents())
	if err == nil {
		t.Fatal("expected protocol error for empty stream")
	}
}
