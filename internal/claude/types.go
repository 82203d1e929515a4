package claude

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest is the Anthropic Messages API request body.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []Message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      *Thinking       `json:"thinking,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Thinking enables extended thinking on supported models.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Tool is a client or server tool definition. Server tools carry a Type
// (e.g. "web_search_20250305"); client tools carry an InputSchema.
type Tool struct {
	Name        string          `json:"name"`
	Type        string          `json:"type,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	MaxUses     *int            `json:"max_uses,omitempty"`
}

// IsServerTool reports whether the tool executes upstream rather than at the
// client. Web search variants and code execution are the known server tools.
func (t Tool) IsServerTool() bool {
	switch {
	case t.Type == "":
		return false
	case t.Type == "custom":
		return false
	default:
		return true
	}
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or a list of content blocks on the
// wire. Blocks is authoritative after unmarshalling; Text is kept so string
// bodies round-trip unchanged.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	isText bool
}

func TextContent(s string) MessageContent {
	return MessageContent{Text: s, isText: true}
}

func BlocksContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		m.isText = true
		return json.Unmarshal(data, &m.Text)
	}
	m.isText = false
	return json.Unmarshal(data, &m.Blocks)
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.isText {
		return json.Marshal(m.Text)
	}
	return json.Marshal(m.Blocks)
}

// AsBlocks returns the content as a block list, wrapping a string body in a
// single text block.
func (m MessageContent) AsBlocks() []ContentBlock {
	if m.isText {
		return []ContentBlock{{Type: "text", Text: m.Text}}
	}
	return m.Blocks
}

// ContentBlock is the discriminated union over message content variants.
// Unknown variants are preserved in Raw so passthrough paths stay lossless.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text      string     `json:"text,omitempty"`
	Citations []Citation `json:"citations,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use / server_tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result / web_search_tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source json.RawMessage `json:"source,omitempty"`
}

// MarshalJSON keeps the signature field present on thinking blocks even when
// it is empty. Other variants omit it.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	type alias ContentBlock
	if b.Type == "thinking" {
		return json.Marshal(struct {
			alias
			Signature string `json:"signature"`
		}{alias(b), b.Signature})
	}
	return json.Marshal(alias(b))
}

// Citation is emitted for server web search results. Only the
// web_search_result_location shape is produced by the event pipeline.
type Citation struct {
	Type           string `json:"type"`
	CitedText      string `json:"cited_text"`
	EncryptedIndex string `json:"encrypted_index,omitempty"`
	Title          string `json:"title,omitempty"`
	URL            string `json:"url,omitempty"`
}

// MessagesResponse is the non-streaming Messages API response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage carries token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Validate enforces the minimal request invariants before any upstream work.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	return nil
}
