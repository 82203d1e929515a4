package pipeline

import (
	"context"
	"io"
	"testing"

	"ccfleet/internal/claude"
)

func drainAll(t *testing.T, s EventStream) []*claude.Event {
	t.Helper()
	var out []*claude.Event
	for {
		ev, err := s.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		out = append(out, ev)
	}
}

func textOf(events []*claude.Event) string {
	var s string
	for _, ev := range events {
		if ev.Type == claude.EventContentBlockDelta && ev.Delta != nil && ev.Delta.Type == claude.DeltaText {
			s += ev.Delta.Text
		}
	}
	return s
}

func TestModelInjectorRewritesMessageStart(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{Model: "claude-sonnet-4"})
	in := FromEvents(&claude.Event{
		Type:    claude.EventMessageStart,
		Message: &claude.MessagesResponse{Model: "internal-web-model"},
	})

	events := drainAll(t, ModelInjector(pc, in))
	if events[0].Message.Model != "claude-sonnet-4" {
		t.Errorf("model = %q, want the requested model", events[0].Message.Model)
	}
}

func TestStopSequenceAcrossDeltas(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{
		Model:         "m",
		StopSequences: []string{"STOP"},
	})
	pc.Collected = &claude.MessagesResponse{}

	in := FromEvents(
		claude.TextDeltaEvent(0, "Hel"),
		claude.TextDeltaEvent(0, "lo ST"),
		claude.TextDeltaEvent(0, "OP world"),
		claude.TextDeltaEvent(0, "never seen"),
	)

	events := drainAll(t, StopSequencesEnforcer(pc, in))

	if got := textOf(events); got != "Hello " {
		t.Errorf("emitted text = %q, want %q", got, "Hello ")
	}

	last := events[len(events)-1]
	if last.Type != claude.EventMessageStop {
		t.Errorf("last event = %s, want message_stop", last.Type)
	}
	var stop *claude.Event
	for _, ev := range events {
		if ev.Type == claude.EventMessageDelta {
			stop = ev
		}
	}
	if stop == nil || stop.Delta.StopReason != "stop_sequence" || stop.Delta.StopSequence != "STOP" {
		t.Fatalf("missing stop_sequence message_delta, got %+v", stop)
	}
	if pc.Collected.StopReason != "stop_sequence" || pc.Collected.StopSequence != "STOP" {
		t.Errorf("collected stop = %q/%q", pc.Collected.StopReason, pc.Collected.StopSequence)
	}
}

func TestStopSequenceFlushesHeldTailAtEOF(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{StopSequences: []string{"STOP"}})

	in := FromEvents(
		claude.TextDeltaEvent(0, "AB"),
		claude.TextDeltaEvent(0, "ST"),
	)
	events := drainAll(t, StopSequencesEnforcer(pc, in))

	if got := textOf(events); got != "ABST" {
		t.Errorf("emitted text = %q, want %q", got, "ABST")
	}
}

func TestStopSequencePassthroughWithoutSequences(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{})
	in := FromEvents(claude.TextDeltaEvent(0, "hello"))

	out := StopSequencesEnforcer(pc, in)
	if out != in {
		t.Error("no sequences should return the input stream unchanged")
	}
}

func TestEarliestMatchPrefersLeftmost(t *testing.T) {
	seq, at := earliestMatch("aXbY", []string{"Y", "X"})
	if seq != "X" || at != 1 {
		t.Errorf("earliestMatch = %q at %d, want X at 1", seq, at)
	}
}

func TestToolCallTerminatesStream(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{
		Tools: []claude.Tool{{Name: "get_weather"}},
	})
	pc.Collected = &claude.MessagesResponse{}

	in := FromEvents(
		(&claude.Event{Type: claude.EventContentBlockStart,
			ContentBlock: &claude.ContentBlock{Type: "tool_use", ID: "toolu_1", Name: "get_weather"}}).WithIndex(0),
		(&claude.Event{Type: claude.EventContentBlockDelta,
			Delta: &claude.Delta{Type: claude.DeltaInputJSON, PartialJSON: `{"city":"SF"}`}}).WithIndex(0),
		(&claude.Event{Type: claude.EventContentBlockStop}).WithIndex(0),
		claude.TextDeltaEvent(1, "upstream keeps going"),
	)

	events := drainAll(t, ToolCallEvents(pc, in))

	if got := textOf(events); got != "" {
		t.Errorf("text after tool call leaked through: %q", got)
	}
	last := events[len(events)-1]
	if last.Type != claude.EventMessageStop {
		t.Errorf("last event = %s, want message_stop", last.Type)
	}
	if pc.PendingToolUseID != "toolu_1" {
		t.Errorf("PendingToolUseID = %q, want toolu_1", pc.PendingToolUseID)
	}
	if pc.Collected.StopReason != "tool_use" {
		t.Errorf("collected stop reason = %q, want tool_use", pc.Collected.StopReason)
	}
}

func TestServerToolPassesThrough(t *testing.T) {
	pc := NewContext(&claude.MessagesRequest{})

	in := FromEvents(
		(&claude.Event{Type: claude.EventContentBlockStart,
			ContentBlock: &claude.ContentBlock{Type: "tool_use", ID: "srvtoolu_1", Name: "web_search"}}).WithIndex(0),
		(&claude.Event{Type: claude.EventContentBlockStop}).WithIndex(0),
		claude.TextDeltaEvent(1, "answer"),
	)

	events := drainAll(t, ToolCallEvents(pc, in))

	if got := textOf(events); got != "answer" {
		t.Errorf("text = %q, want %q", got, "answer")
	}
	if pc.PendingToolUseID != "" {
		t.Errorf("server tool set PendingToolUseID = %q", pc.PendingToolUseID)
	}
}
