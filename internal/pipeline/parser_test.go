package pipeline

import (
	"io"
	"strings"
	"testing"

	"ccfleet/internal/claude"
)

func parseAll(t *testing.T, pc *Context, body string) []*claude.Event {
	t.Helper()
	p := NewParser(pc, io.NopCloser(strings.NewReader(body)))
	defer p.Close()
	return drainAll(t, p)
}

func TestParserNormalizesUpstreamStream(t *testing.T) {
	body := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"internal"}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	pc := NewContext(&claude.MessagesRequest{Model: "m"})
	events := parseAll(t, pc, body)

	wantTypes := []string{
		claude.EventMessageStart,
		claude.EventContentBlockStart,
		claude.EventContentBlockDelta,
		claude.EventContentBlockStop,
		claude.EventMessageDelta,
		claude.EventMessageStop,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d = %s, want %s", i, events[i].Type, want)
		}
	}
	if events[4].Usage == nil || events[4].Usage.OutputTokens != 5 {
		t.Errorf("message_delta usage not preserved: %+v", events[4].Usage)
	}
}

func TestParserDropsPrivateEvents(t *testing.T) {
	body := strings.Join([]string{
		`data: {"type":"message_limit","message_limit":{"type":"within_limit"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_summary_delta","summary":"s"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"citation_end_delta"}}`,
		``,
		`data: {"type":"ping"}`,
		``,
	}, "\n")

	pc := NewContext(&claude.MessagesRequest{})
	events := parseAll(t, pc, body)

	if len(events) != 1 || events[0].Type != claude.EventPing {
		t.Fatalf("expected only the ping to survive, got %+v", events)
	}
}

func TestParserRewritesCitationStartDelta(t *testing.T) {
	body := strings.Join([]string{
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"citation_start_delta","citation":{"cited_text":"quoted","source":{"title":"Example","url":"https://example.com"}}}}`,
		``,
	}, "\n")

	pc := NewContext(&claude.MessagesRequest{})
	events := parseAll(t, pc, body)

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	d := events[0].Delta
	if d == nil || d.Type != claude.DeltaCitations || d.Citation == nil {
		t.Fatalf("citation not rewritten: %+v", events[0])
	}
	c := d.Citation
	if c.Type != "web_search_result_location" {
		t.Errorf("citation type = %q", c.Type)
	}
	if c.CitedText != "quoted" || c.Title != "Example" || c.URL != "https://example.com" {
		t.Errorf("citation fields = %+v", c)
	}
}

func TestParserSuppressesToolResultBlocks(t *testing.T) {
	body := strings.Join([]string{
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_result","content":[{"type":"text","text":"search finding"}]}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"hidden"}}`,
		``,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`data: {"type":"content_block_start","index":2,"content_block":{"type":"text"}}`,
		``,
	}, "\n")

	pc := NewContext(&claude.MessagesRequest{})
	events := parseAll(t, pc, body)

	if len(events) != 1 || events[0].IndexOf() != 2 {
		t.Fatalf("tool_result block leaked: %+v", events)
	}
	if len(pc.Knowledge) != 1 {
		t.Fatalf("knowledge payload not captured, got %d entries", len(pc.Knowledge))
	}
	if !strings.Contains(string(pc.Knowledge[0]), "search finding") {
		t.Errorf("knowledge payload = %s", pc.Knowledge[0])
	}
}

func TestParserHandlesSplitDataLines(t *testing.T) {
	// One frame, payload split over two data lines.
	body := "data: {\"type\":\"ping\"\ndata: }\n\n"

	pc := NewContext(&claude.MessagesRequest{})
	events := parseAll(t, pc, body)
	if len(events) != 1 || events[0].Type != claude.EventPing {
		t.Fatalf("split frame not reassembled: %+v", events)
	}
}
