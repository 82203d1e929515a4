package pipeline

import (
	"context"

	"ccfleet/internal/claude"
)

// collector materializes the streamed message so the non-streaming response
// body and the usage accounting both come from one place.
type collector struct {
	pc *Context
	in EventStream

	blocks map[int]*claude.ContentBlock
	order  []int
}

// MessageCollector assembles deltas into pc.Collected as events flow past.
// It never alters the stream.
func MessageCollector(pc *Context, in EventStream) EventStream {
	return &collector{pc: pc, in: in, blocks: make(map[int]*claude.ContentBlock)}
}

func (c *collector) Next(ctx context.Context) (*claude.Event, error) {
	ev, err := c.in.Next(ctx)
	if err != nil {
		return nil, err
	}
	c.observe(ev)
	return ev, nil
}

func (c *collector) Close() error { return c.in.Close() }

func (c *collector) observe(ev *claude.Event) {
	switch ev.Type {
	case claude.EventMessageStart:
		msg := &claude.MessagesResponse{Type: "message", Role: "assistant"}
		if ev.Message != nil {
			*msg = *ev.Message
			msg.Content = nil
		}
		if msg.Model == "" {
			msg.Model = c.pc.Request.Model
		}
		if msg.Usage.InputTokens > 0 {
			c.pc.UsageFromUpstream = true
		}
		c.pc.Collected = msg

	case claude.EventContentBlockStart:
		idx := ev.IndexOf()
		block := &claude.ContentBlock{}
		if ev.ContentBlock != nil {
			*block = *ev.ContentBlock
		}
		if _, seen := c.blocks[idx]; !seen {
			c.order = append(c.order, idx)
		}
		c.blocks[idx] = block

	case claude.EventContentBlockDelta:
		if ev.Delta == nil {
			return
		}
		block := c.blocks[ev.IndexOf()]
		if block == nil {
			return
		}
		switch ev.Delta.Type {
		case claude.DeltaText:
			block.Text += ev.Delta.Text
		case claude.DeltaThinking:
			block.Thinking += ev.Delta.Thinking
		case claude.DeltaSignature:
			block.Signature += ev.Delta.Signature
		case claude.DeltaInputJSON:
			block.Input = append(block.Input, ev.Delta.PartialJSON...)
		case claude.DeltaCitations:
			if ev.Delta.Citation != nil {
				block.Citations = append(block.Citations, *ev.Delta.Citation)
			}
		}

	case claude.EventMessageDelta:
		if c.pc.Collected == nil {
			c.pc.Collected = &claude.MessagesResponse{Type: "message", Role: "assistant", Model: c.pc.Request.Model}
		}
		if ev.Delta != nil {
			if ev.Delta.StopReason != "" {
				c.pc.Collected.StopReason = ev.Delta.StopReason
			}
			if ev.Delta.StopSequence != "" {
				c.pc.Collected.StopSequence = ev.Delta.StopSequence
			}
		}
		if ev.Usage != nil {
			c.pc.Collected.Usage.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				c.pc.Collected.Usage.InputTokens = ev.Usage.InputTokens
			}
			c.pc.UsageFromUpstream = true
		}

	case claude.EventMessageStop:
		c.finalize()
	}
}

func (c *collector) finalize() {
	if c.pc.Collected == nil {
		c.pc.Collected = &claude.MessagesResponse{Type: "message", Role: "assistant", Model: c.pc.Request.Model}
	}
	content := make([]claude.ContentBlock, 0, len(c.order))
	for _, idx := range c.order {
		content = append(content, *c.blocks[idx])
	}
	c.pc.Collected.Content = content
	if c.pc.Collected.StopReason == "" {
		c.pc.Collected.StopReason = "end_turn"
	}
}
