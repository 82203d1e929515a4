package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"ccfleet/internal/claude"
)

// rawEvent mirrors one upstream SSE frame before normalization. Upstream
// emits a superset of the public schema; the parser keeps only public events
// and rewrites private delta variants into their public counterparts.
type rawEvent struct {
	Type         string                   `json:"type"`
	Message      *claude.MessagesResponse `json:"message,omitempty"`
	Index        *int                     `json:"index,omitempty"`
	ContentBlock json.RawMessage          `json:"content_block,omitempty"`
	Delta        json.RawMessage          `json:"delta,omitempty"`
	Usage        *claude.Usage            `json:"usage,omitempty"`
	Error        *claude.ErrorDetail      `json:"error,omitempty"`
}

type rawDelta struct {
	Type string `json:"type"`

	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`

	Citation json.RawMessage `json:"citation,omitempty"`
}

// rawCitation tolerates both flat and source-nested citation shapes seen on
// the web path.
type rawCitation struct {
	CitedText      string `json:"cited_text"`
	EncryptedIndex string `json:"encrypted_index"`
	Title          string `json:"title"`
	URL            string `json:"url"`
	Source         *struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"source"`
}

// parser reads upstream SSE frames and yields normalized public events.
type parser struct {
	pc   *Context
	body io.ReadCloser
	br   *bufio.Reader

	// suppressed tracks block indexes of private tool_result blocks whose
	// events must not reach the client.
	suppressed map[int]bool
	closed     bool
}

// NewParser wraps an upstream SSE body in a normalizing event stream.
func NewParser(pc *Context, body io.ReadCloser) EventStream {
	return &parser{
		pc:         pc,
		body:       body,
		br:         bufio.NewReader(body),
		suppressed: make(map[int]bool),
	}
}

func (p *parser) Next(ctx context.Context) (*claude.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := p.readFrame()
		if err != nil {
			return nil, err
		}
		ev, ok := p.normalize(data)
		if ok {
			return ev, nil
		}
	}
}

func (p *parser) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.body.Close()
}

// readFrame reads lines until it has one complete SSE frame and returns the
// concatenated data payload. Frames without data (comments, keepalives) are
// skipped.
func (p *parser) readFrame() ([]byte, error) {
	var data []byte
	for {
		line, err := p.br.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				return data, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				return data, nil
			}
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		default:
			// event: and comment lines carry no payload we need; the type is
			// repeated inside the data JSON.
		}
	}
}

// normalize maps one upstream frame to a public event, or drops it.
func (p *parser) normalize(data []byte) (*claude.Event, bool) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Debug().Err(err).Msg("dropping unparseable upstream event")
		return nil, false
	}

	idx := -1
	if raw.Index != nil {
		idx = *raw.Index
	}

	switch raw.Type {
	case claude.EventMessageStart:
		return &claude.Event{Type: raw.Type, Message: raw.Message}, true

	case claude.EventContentBlockStart:
		return p.normalizeBlockStart(&raw, idx)

	case claude.EventContentBlockDelta:
		if p.suppressed[idx] {
			return nil, false
		}
		return p.normalizeDelta(&raw)

	case claude.EventContentBlockStop:
		if p.suppressed[idx] {
			delete(p.suppressed, idx)
			return nil, false
		}
		return &claude.Event{Type: raw.Type, Index: raw.Index}, true

	case claude.EventMessageDelta:
		ev := &claude.Event{Type: raw.Type, Usage: raw.Usage}
		if len(raw.Delta) > 0 {
			var d claude.Delta
			if err := json.Unmarshal(raw.Delta, &d); err == nil {
				d.Type = ""
				ev.Delta = &d
			}
		}
		return ev, true

	case claude.EventMessageStop, claude.EventPing:
		return &claude.Event{Type: raw.Type}, true

	case claude.EventError:
		return &claude.Event{Type: raw.Type, Error: raw.Error}, true

	default:
		// message_limit and other private envelope events never leave here.
		return nil, false
	}
}

func (p *parser) normalizeBlockStart(raw *rawEvent, idx int) (*claude.Event, bool) {
	var block claude.ContentBlock
	if len(raw.ContentBlock) > 0 {
		if err := json.Unmarshal(raw.ContentBlock, &block); err != nil {
			log.Debug().Err(err).Msg("dropping malformed content_block_start")
			return nil, false
		}
	}

	// Private tool_result blocks carry the web search knowledge list. The
	// collector consumes the payload; the client never sees the block.
	if block.Type == "tool_result" && idx >= 0 {
		p.suppressed[idx] = true
		if len(block.Content) > 0 {
			p.pc.Knowledge = append(p.pc.Knowledge, block.Content)
		}
		return nil, false
	}

	return &claude.Event{Type: raw.Type, Index: raw.Index, ContentBlock: &block}, true
}

func (p *parser) normalizeDelta(raw *rawEvent) (*claude.Event, bool) {
	var d rawDelta
	if err := json.Unmarshal(raw.Delta, &d); err != nil {
		log.Debug().Err(err).Msg("dropping malformed content_block_delta")
		return nil, false
	}

	switch d.Type {
	case claude.DeltaText, claude.DeltaThinking, claude.DeltaSignature, claude.DeltaInputJSON:
		return &claude.Event{
			Type:  raw.Type,
			Index: raw.Index,
			Delta: &claude.Delta{
				Type:        d.Type,
				Text:        d.Text,
				Thinking:    d.Thinking,
				Signature:   d.Signature,
				PartialJSON: d.PartialJSON,
			},
		}, true

	case claude.DeltaCitations:
		var c claude.Citation
		if len(d.Citation) > 0 {
			if err := json.Unmarshal(d.Citation, &c); err != nil {
				return nil, false
			}
		}
		return &claude.Event{
			Type:  raw.Type,
			Index: raw.Index,
			Delta: &claude.Delta{Type: claude.DeltaCitations, Citation: &c},
		}, true

	case "citation_start_delta":
		return p.rewriteCitation(raw, d.Citation)

	case "citation_end_delta", "thinking_summary_delta":
		return nil, false

	default:
		log.Debug().Str("delta_type", d.Type).Msg("dropping unknown delta variant")
		return nil, false
	}
}

// rewriteCitation converts the web path's citation_start_delta into the
// public citations_delta with a web_search_result_location citation.
func (p *parser) rewriteCitation(raw *rawEvent, payload json.RawMessage) (*claude.Event, bool) {
	var rc rawCitation
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rc); err != nil {
			return nil, false
		}
	}

	c := claude.Citation{
		Type:           "web_search_result_location",
		CitedText:      rc.CitedText,
		EncryptedIndex: rc.EncryptedIndex,
		Title:          rc.Title,
		URL:            rc.URL,
	}
	if rc.Source != nil {
		if c.Title == "" {
			c.Title = rc.Source.Title
		}
		if c.URL == "" {
			c.URL = rc.Source.URL
		}
	}

	return &claude.Event{
		Type:  raw.Type,
		Index: raw.Index,
		Delta: &claude.Delta{Type: claude.DeltaCitations, Citation: &c},
	}, true
}
