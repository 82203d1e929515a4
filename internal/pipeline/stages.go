package pipeline

import (
	"context"
	"io"
	"strings"

	"ccfleet/internal/claude"
)

// ModelInjector rewrites the message_start envelope so clients see the model
// they asked for. The web path answers with internal model names that must
// not leak.
func ModelInjector(pc *Context, in EventStream) EventStream {
	return &funcStream{
		next: func(ctx context.Context) (*claude.Event, error) {
			ev, err := in.Next(ctx)
			if err != nil {
				return nil, err
			}
			if ev.Type == claude.EventMessageStart && ev.Message != nil {
				ev.Message.Model = pc.Request.Model
			}
			return ev, nil
		},
		close: in.Close,
	}
}

// stopEnforcer truncates the stream at the first client stop sequence. Text
// that could be the start of a sequence is held back until the next delta
// decides it, so sequences split across deltas still match.
type stopEnforcer struct {
	pc *Context
	in EventStream

	seqs    []string
	holdMax int

	pending  string
	blockIdx int
	queue    []*claude.Event
	finished bool
	inClosed bool
}

// StopSequencesEnforcer applies the request's stop_sequences client-side.
// Used on the web path, which has no native stop sequence support.
func StopSequencesEnforcer(pc *Context, in EventStream) EventStream {
	if len(pc.Request.StopSequences) == 0 {
		return in
	}
	holdMax := 0
	for _, s := range pc.Request.StopSequences {
		if len(s) > holdMax {
			holdMax = len(s)
		}
	}
	return &stopEnforcer{pc: pc, in: in, seqs: pc.Request.StopSequences, holdMax: holdMax - 1, blockIdx: -1}
}

func (s *stopEnforcer) Next(ctx context.Context) (*claude.Event, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.finished {
			return nil, io.EOF
		}

		ev, err := s.in.Next(ctx)
		if err == io.EOF {
			s.finished = true
			s.flushPending()
			continue
		}
		if err != nil {
			return nil, err
		}

		if ev.Type == claude.EventContentBlockDelta && ev.Delta != nil && ev.Delta.Type == claude.DeltaText {
			s.onText(ev)
			continue
		}

		// Any other event past the current text block settles the held-back
		// tail: it can no longer grow into a stop sequence.
		s.flushPending()
		s.queue = append(s.queue, ev)
	}
}

func (s *stopEnforcer) onText(ev *claude.Event) {
	s.blockIdx = ev.IndexOf()
	combined := s.pending + ev.Delta.Text

	if seq, at := earliestMatch(combined, s.seqs); at >= 0 {
		if prefix := combined[:at]; prefix != "" {
			s.queue = append(s.queue, claude.TextDeltaEvent(s.blockIdx, prefix))
		}
		s.queue = append(s.queue,
			(&claude.Event{Type: claude.EventContentBlockStop}).WithIndex(s.blockIdx),
			claude.StopEvent("stop_sequence", seq, nil),
			claude.MessageStopEvent(),
		)
		s.pending = ""
		s.finished = true
		if !s.inClosed {
			s.inClosed = true
			s.in.Close()
		}
		if s.pc.Collected != nil {
			s.pc.Collected.StopReason = "stop_sequence"
			s.pc.Collected.StopSequence = seq
		}
		return
	}

	// Hold back the longest tail that is a prefix of some sequence.
	hold := holdbackLen(combined, s.seqs, s.holdMax)
	emit := combined[:len(combined)-hold]
	s.pending = combined[len(combined)-hold:]
	if emit != "" {
		s.queue = append(s.queue, claude.TextDeltaEvent(s.blockIdx, emit))
	}
}

func (s *stopEnforcer) flushPending() {
	if s.pending != "" {
		s.queue = append(s.queue, claude.TextDeltaEvent(s.blockIdx, s.pending))
		s.pending = ""
	}
}

func (s *stopEnforcer) Close() error {
	if s.inClosed {
		return nil
	}
	s.inClosed = true
	return s.in.Close()
}

// earliestMatch finds the leftmost occurrence of any sequence. Ties on
// position go to the sequence listed first.
func earliestMatch(text string, seqs []string) (string, int) {
	best, bestAt := "", -1
	for _, seq := range seqs {
		if seq == "" {
			continue
		}
		if at := strings.Index(text, seq); at >= 0 && (bestAt < 0 || at < bestAt) {
			best, bestAt = seq, at
		}
	}
	return best, bestAt
}

// holdbackLen returns the length of the longest suffix of text that is a
// proper prefix of any sequence, capped at max.
func holdbackLen(text string, seqs []string, max int) int {
	n := max
	if len(text) < n {
		n = len(text)
	}
	for l := n; l > 0; l-- {
		suffix := text[len(text)-l:]
		for _, seq := range seqs {
			if len(seq) > l && strings.HasPrefix(seq, suffix) {
				return l
			}
		}
	}
	return 0
}

// toolCallStage ends the stream once a client tool_use block completes, so
// the caller gets control to run the tool. Server tool blocks pass through
// untouched.
type toolCallStage struct {
	pc *Context
	in EventStream

	pendingIdx int
	pendingID  string
	queue      []*claude.Event
	finished   bool
	inClosed   bool
}

// ToolCallEvents terminates the stream with stop_reason tool_use after a
// client tool call. Used on the web path, where the upstream conversation
// keeps going on its own.
func ToolCallEvents(pc *Context, in EventStream) EventStream {
	return &toolCallStage{pc: pc, in: in, pendingIdx: -1}
}

func (t *toolCallStage) Next(ctx context.Context) (*claude.Event, error) {
	if len(t.queue) > 0 {
		ev := t.queue[0]
		t.queue = t.queue[1:]
		return ev, nil
	}
	if t.finished {
		return nil, io.EOF
	}

	ev, err := t.in.Next(ctx)
	if err != nil {
		return nil, err
	}

	switch ev.Type {
	case claude.EventContentBlockStart:
		if cb := ev.ContentBlock; cb != nil && cb.Type == "tool_use" && !t.pc.IsServerTool(cb.Name) {
			t.pendingIdx = ev.IndexOf()
			t.pendingID = cb.ID
		}

	case claude.EventContentBlockStop:
		if t.pendingIdx >= 0 && ev.IndexOf() == t.pendingIdx {
			t.pc.PendingToolUseID = t.pendingID
			t.queue = append(t.queue,
				claude.StopEvent("tool_use", "", nil),
				claude.MessageStopEvent(),
			)
			t.finished = true
			if !t.inClosed {
				t.inClosed = true
				t.in.Close()
			}
			if t.pc.Collected != nil {
				t.pc.Collected.StopReason = "tool_use"
			}
		}
	}

	return ev, nil
}

func (t *toolCallStage) Close() error {
	if t.inClosed {
		return nil
	}
	t.inClosed = true
	return t.in.Close()
}
