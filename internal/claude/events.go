package claude

import "encoding/json"

// Event types emitted to clients. Private upstream variants never leave the
// event parser; see pipeline.Parser.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta types inside content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaCitations = "citations_delta"
)

// Event is the tagged union over streaming events. The zero value of a field
// is omitted on the wire so an Event marshals to exactly the public schema.
type Event struct {
	Type string `json:"type"`

	// message_start
	Message *MessagesResponse `json:"message,omitempty"`

	// content_block_start / content_block_delta / content_block_stop
	Index        *int          `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`

	// message_delta
	Usage *Usage `json:"usage,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`
}

// Delta covers both content_block_delta payloads and the message_delta
// stop-reason payload; exactly one group of fields is populated.
type Delta struct {
	Type string `json:"type,omitempty"`

	Text        string    `json:"text,omitempty"`
	Thinking    string    `json:"thinking,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	PartialJSON string    `json:"partial_json,omitempty"`
	Citation    *Citation `json:"citation,omitempty"`

	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// ErrorDetail is the payload of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// IndexOf returns the event's block index, or -1 when absent.
func (e *Event) IndexOf() int {
	if e.Index == nil {
		return -1
	}
	return *e.Index
}

// WithIndex sets the block index.
func (e *Event) WithIndex(i int) *Event {
	e.Index = &i
	return e
}

// TextDeltaEvent builds a content_block_delta carrying text.
func TextDeltaEvent(index int, text string) *Event {
	ev := &Event{
		Type:  EventContentBlockDelta,
		Delta: &Delta{Type: DeltaText, Text: text},
	}
	return ev.WithIndex(index)
}

// StopEvent builds the terminal message_delta for the given stop reason.
func StopEvent(reason, stopSequence string, usage *Usage) *Event {
	return &Event{
		Type:  EventMessageDelta,
		Delta: &Delta{StopReason: reason, StopSequence: stopSequence},
		Usage: usage,
	}
}

// MessageStopEvent builds a message_stop event.
func MessageStopEvent() *Event {
	return &Event{Type: EventMessageStop}
}

// Encode renders the event as an SSE frame in Anthropic's framing
// (event: <type>\ndata: <json>\n\n).
func (e *Event) Encode() []byte {
	data, _ := json.Marshal(e)
	frame := make([]byte, 0, len(data)+len(e.Type)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, e.Type...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}
