package pipeline

import (
	"encoding/json"

	"ccfleet/internal/claude"
)

// Context carries per-request state shared across stages. It is owned by a
// single request goroutine; stages never retain it past the request.
type Context struct {
	Request *claude.MessagesRequest

	// AccountID and Origin identify which account and driver served the
	// request, for logging and usage accounting.
	AccountID string
	Origin    string

	// Collected is the materialized response assembled by the collector. It
	// is complete once the stream has been drained to message_stop.
	Collected *claude.MessagesResponse

	// UsageFromUpstream is set when the upstream reported real token counts;
	// otherwise the token counter fills in an estimate.
	UsageFromUpstream bool

	// PendingToolUseID is the id of the client tool_use block that terminated
	// the stream, if any.
	PendingToolUseID string

	// Knowledge accumulates payloads from private tool_result blocks that the
	// parser strips from the outbound stream.
	Knowledge []json.RawMessage

	// serverToolNames indexes the request's server tools so block-start
	// handling can tell a client tool call from an upstream one.
	serverToolNames map[string]bool
}

// NewContext builds a pipeline context for one request.
func NewContext(req *claude.MessagesRequest) *Context {
	pc := &Context{
		Request:         req,
		serverToolNames: make(map[string]bool),
	}
	for _, t := range req.Tools {
		if t.IsServerTool() {
			pc.serverToolNames[t.Name] = true
		}
	}
	return pc
}

// IsServerTool reports whether a tool name belongs to a server tool from the
// request. Web search injected by the web driver is always a server tool.
func (pc *Context) IsServerTool(name string) bool {
	if pc.serverToolNames[name] {
		return true
	}
	return name == "web_search"
}
