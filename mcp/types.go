package mcp

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// ProtocolVersion is the MCP revision this client speaks.
const ProtocolVersion = "2024-11-05"

// Implementation identifies one side of the protocol.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises optional client features. This client
// advertises none.
type ClientCapabilities struct{}

// InitializeRequest is the params of the initialize handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResponse is the result of the initialize handshake.
type InitializeResponse struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      Implementation  `json:"serverInfo"`
}

// Tool is one tool descriptor as advertised by the server. Immutable once
// fetched.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsResponse is the result of tools/list. NextCursor is set when the
// server paginates.
type ToolsResponse struct {
	Tools      []Tool  `json:"tools"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// CallToolRequest is the params of tools/call.
type CallToolRequest struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// ContentType discriminates the variants of Content.
type ContentType string

const (
	// ContentTypeText is plain text produced by the tool.
	ContentTypeText ContentType = "text"
	// ContentTypeStructured is any non-text payload, kept as raw JSON.
	ContentTypeStructured ContentType = "structured"
)

// Content is one item of a tool result: either plain text or a structured
// payload. Callers switch on Type instead of sniffing the shape.
type Content struct {
	Type ContentType
	Text string
	Raw  json.RawMessage
}

// UnmarshalJSON decodes an MCP content item. Items with "type": "text" become
// ContentTypeText; everything else is preserved verbatim as structured data.
func (c *Content) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.Wrap(err, "malformed content item")
	}
	if probe.Type == "text" {
		c.Type = ContentTypeText
		c.Text = probe.Text
		return nil
	}
	c.Type = ContentTypeStructured
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON encodes the content item back into its wire shape.
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ContentTypeText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: "text", Text: c.Text})
	case ContentTypeStructured:
		return append(json.RawMessage(nil), c.Raw...), nil
	default:
		return nil, errors.Newf("unknown content type: %q", c.Type)
	}
}

// ToolResponse is the result of a successful tools/call.
type ToolResponse struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text renders the response content for feeding back into a conversation:
// text items verbatim, structured items as their JSON encoding, newline
// separated in server order.
func (r *ToolResponse) Text() string {
	var buf strings.Builder
	for i, c := range r.Content {
		if i > 0 {
			buf.WriteString("\n")
		}
		switch c.Type {
		case ContentTypeText:
			buf.WriteString(c.Text)
		case ContentTypeStructured:
			buf.Write(c.Raw)
		}
	}
	return buf.String()
}
