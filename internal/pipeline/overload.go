package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"

	"ccfleet/internal/apperr"
	"ccfleet/internal/claude"
)

// peekLimit bounds how many events DetectOverload inspects before giving the
// stream back. Upstream signals overload in the very first frames, before
// any message_start.
const peekLimit = 4

// DetectOverload pulls the first few events looking for an upstream overload
// signal. If found, the stream is closed and an Overloaded error returned so
// the orchestrator can retry on another account before any byte has reached
// the client. Otherwise the buffered events are replayed ahead of the rest.
func DetectOverload(ctx context.Context, in EventStream) (EventStream, error) {
	var buffered []*claude.Event
	for len(buffered) < peekLimit {
		ev, err := in.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			in.Close()
			return nil, err
		}

		if ev.Type == claude.EventError && ev.Error != nil && isOverloadSignal(ev.Error) {
			in.Close()
			return nil, apperr.Overloaded(errors.New(ev.Error.Message))
		}
		buffered = append(buffered, ev)

		// A message_start means the upstream committed to answering; stop
		// peeking.
		if ev.Type == claude.EventMessageStart {
			break
		}
	}
	return &prependStream{head: buffered, tail: in}, nil
}

func isOverloadSignal(e *claude.ErrorDetail) bool {
	if e.Type == "overloaded_error" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "overloaded")
}
