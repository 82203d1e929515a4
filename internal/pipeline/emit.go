package pipeline

import (
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"ccfleet/internal/apperr"
	"ccfleet/internal/claude"
)

// EmitSSE drains the stream into an SSE response, flushing after every
// frame. Once the first frame is written the response is committed; errors
// after that point surface as a terminal error event rather than a status
// code.
func EmitSSE(ctx context.Context, w http.ResponseWriter, stream EventStream) error {
	defer stream.Close()

	flusher, _ := w.(http.Flusher)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for {
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return apperr.ClientDisconnected(ctx.Err())
			}
			log.Warn().Err(err).Msg("stream broke mid-response, emitting error event")
			writeFrame(w, flusher, errorEvent(err))
			return err
		}
		writeFrame(w, flusher, ev)
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, ev *claude.Event) {
	if _, err := w.Write(ev.Encode()); err != nil {
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
}

func errorEvent(err error) *claude.Event {
	detail := &claude.ErrorDetail{Type: "api_error", Message: err.Error()}
	if ae := apperr.AsError(err); ae != nil {
		detail.Type = string(ae.Kind)
		detail.Message = ae.Message
	}
	return &claude.Event{Type: claude.EventError, Error: detail}
}

// Collect drains the stream and returns the materialized response for the
// non-streaming path.
func Collect(ctx context.Context, pc *Context, stream EventStream) (*claude.MessagesResponse, error) {
	defer stream.Close()
	if err := Drain(ctx, stream); err != nil {
		return nil, err
	}
	if pc.Collected == nil {
		return nil, apperr.Protocol("upstream stream ended before message_start", nil)
	}
	return pc.Collected, nil
}
