// Package handler exposes the public Messages surface and the admin API.
package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ccfleet/internal/apperr"
	"ccfleet/internal/claude"
	"ccfleet/internal/metrics"
	"ccfleet/internal/middleware"
	"ccfleet/internal/orchestrator"
	"ccfleet/internal/pipeline"
	"ccfleet/internal/store"
)

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	orch    *orchestrator.Orchestrator
	store   *store.Store
	metrics *metrics.Metrics
}

func NewMessagesHandler(orch *orchestrator.Orchestrator, st *store.Store, m *metrics.Metrics) *MessagesHandler {
	return &MessagesHandler{orch: orch, store: st, metrics: m}
}

// Messages handles one Messages API request, streaming or not.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req claude.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body: "+err.Error()))
		return
	}

	clientKey := c.GetString(middleware.ContextKeyClientKey)
	start := time.Now()
	done := h.metrics.IncInFlight()
	defer done()

	pc, stream, err := h.orch.Handle(c.Request.Context(), &req, clientKey)
	if err != nil {
		h.finish(pc, &req, clientKey, start, 0, err)
		writeError(c, err)
		return
	}
	defer stream.Close()

	tracked := &ttftStream{EventStream: stream, onFirst: func() {
		h.metrics.RecordTTFT(pc.Origin, req.Model, time.Since(start))
	}}

	if req.Stream {
		err = pipeline.EmitSSE(c.Request.Context(), c.Writer, tracked)
		h.finish(pc, &req, clientKey, start, http.StatusOK, err)
		return
	}

	resp, err := pipeline.Collect(c.Request.Context(), pc, tracked)
	if err != nil {
		h.finish(pc, &req, clientKey, start, 0, err)
		writeError(c, err)
		return
	}
	h.finish(pc, &req, clientKey, start, http.StatusOK, nil)
	c.JSON(http.StatusOK, resp)
}

// finish records the request in metrics and the durable log.
func (h *MessagesHandler) finish(pc *pipeline.Context, req *claude.MessagesRequest, clientKey string, start time.Time, status int, err error) {
	outcome := "ok"
	var errKind string
	if err != nil {
		ae := apperr.AsError(err)
		outcome = string(ae.Kind)
		errKind = string(ae.Kind)
		if status == 0 {
			status = ae.HTTPStatus()
		}
	}

	origin, accountID := "", ""
	var usage claude.Usage
	estimated := true
	if pc != nil {
		origin = pc.Origin
		accountID = pc.AccountID
		estimated = !pc.UsageFromUpstream
		if pc.Collected != nil {
			usage = pc.Collected.Usage
		}
	}

	h.metrics.RecordRequest(origin, req.Model, outcome, time.Since(start))
	h.metrics.RecordAccount(accountID, err != nil)

	if h.store == nil {
		return
	}
	entry := &store.RequestLog{
		ID:           uuid.NewString(),
		AccountID:    nullString(accountID),
		ClientKey:    nullString(clientKey),
		Origin:       origin,
		Model:        req.Model,
		Stream:       req.Stream,
		RequestAt:    start,
		DurationMs:   sql.NullInt64{Int64: time.Since(start).Milliseconds(), Valid: true},
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Estimated:    estimated,
		StatusCode:   status,
		Success:      err == nil,
		ErrorKind:    nullString(errKind),
	}
	go func() {
		if err := h.store.CreateRequestLog(entry); err != nil {
			log.Warn().Err(err).Msg("request log write failed")
		}
	}()
}

// ttftStream fires a callback on the first event.
type ttftStream struct {
	pipeline.EventStream
	onFirst func()
	fired   bool
}

func (t *ttftStream) Next(ctx context.Context) (*claude.Event, error) {
	ev, err := t.EventStream.Next(ctx)
	if err == nil && !t.fired {
		t.fired = true
		t.onFirst()
	}
	return ev, err
}

func writeError(c *gin.Context, err error) {
	ae := apperr.AsError(err)
	c.JSON(ae.HTTPStatus(), gin.H{
		"type": "error",
		"error": gin.H{
			"type":    string(ae.Kind),
			"code":    ae.Code,
			"message": ae.Message,
		},
	})
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
