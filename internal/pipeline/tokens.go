package pipeline

import (
	"context"
	"encoding/json"

	"ccfleet/internal/claude"
)

// TokenCounter backfills token usage when the upstream reported none. The
// web path has no token accounting, so counts there are always estimates.
// Output is tallied from the deltas as they pass through, because the
// collector materializes the full content only at message_stop and
// message_delta arrives before that.
func TokenCounter(pc *Context, in EventStream) EventStream {
	outputChars := 0
	return &funcStream{
		next: func(ctx context.Context) (*claude.Event, error) {
			ev, err := in.Next(ctx)
			if err != nil {
				return nil, err
			}
			if ev.Type == claude.EventContentBlockDelta && ev.Delta != nil {
				outputChars += len(ev.Delta.Text) + len(ev.Delta.Thinking) + len(ev.Delta.PartialJSON)
			}
			if pc.UsageFromUpstream {
				return ev, nil
			}
			switch ev.Type {
			case claude.EventMessageDelta:
				if ev.Usage == nil {
					ev.Usage = &claude.Usage{OutputTokens: estimateChars(outputChars)}
				}
			case claude.EventMessageStop:
				if pc.Collected != nil && pc.Collected.Usage.InputTokens == 0 {
					pc.Collected.Usage = claude.Usage{
						InputTokens:  estimateInput(pc.Request),
						OutputTokens: estimateOutput(pc),
					}
				}
			}
			return ev, nil
		},
		close: in.Close,
	}
}

// estimateChars approximates token count from character length. Roughly four
// characters per token, matching what tiktoken reports for English prose.
func estimateChars(n int) int {
	if n == 0 {
		return 0
	}
	tokens := (n + 3) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

func estimateTokens(s string) int {
	return estimateChars(len(s))
}

func estimateInput(req *claude.MessagesRequest) int {
	total := estimateTokens(req.Model)
	if len(req.System) > 0 {
		total += estimateTokens(string(req.System))
	}
	for _, m := range req.Messages {
		for _, b := range m.Content.AsBlocks() {
			total += estimateBlock(&b)
		}
	}
	for _, t := range req.Tools {
		total += estimateTokens(t.Name) + estimateTokens(t.Description)
		total += estimateTokens(string(t.InputSchema))
	}
	return total
}

func estimateOutput(pc *Context) int {
	if pc.Collected == nil {
		return 0
	}
	total := 0
	for i := range pc.Collected.Content {
		total += estimateBlock(&pc.Collected.Content[i])
	}
	return total
}

func estimateBlock(b *claude.ContentBlock) int {
	total := estimateTokens(b.Text) + estimateTokens(b.Thinking)
	total += estimateTokens(string(b.Input))
	if len(b.Content) > 0 {
		var s string
		if err := json.Unmarshal(b.Content, &s); err == nil {
			total += estimateTokens(s)
		} else {
			total += estimateTokens(string(b.Content))
		}
	}
	return total
}
