package ai

import (
	"encoding/json"
	"fmt"
)

// The journal and the transport share one wire format, so marshalling is
// centralised here. Content blocks serialise as discriminated objects with
// a "type" field; messages normalise their role on the way out so a
// half-constructed struct can never write a bogus line.

// ---------------------------------------------------------------------------
// Content block codec
// ---------------------------------------------------------------------------

// rawBlock is the flat union used to decode any content block.
type rawBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Data      string         `json:"data,omitempty"`
	MimeType  string         `json:"mimeType,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (b TextContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{"text", b.Text})
}

func (b ThinkingContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{"thinking", b.Text})
}

func (b ToolCall) MarshalJSON() ([]byte, error) {
	args := b.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return json.Marshal(struct {
		Type      string         `json:"type"`
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}{"toolCall", b.ID, b.Name, args})
}

func (b ImageContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"type"`
		Data     string `json:"data"`
		MimeType string `json:"mimeType"`
	}{"image", b.Data, b.MimeType})
}

func unmarshalBlocks(data json.RawMessage) ([]ContentBlock, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raws []rawBlock
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode content blocks: %w", err)
	}
	blocks := make([]ContentBlock, 0, len(raws))
	for _, r := range raws {
		switch r.Type {
		case "text":
			blocks = append(blocks, TextContent{Text: r.Text})
		case "thinking":
			blocks = append(blocks, ThinkingContent{Text: r.Text})
		case "toolCall":
			args := r.Arguments
			if args == nil {
				args = map[string]any{}
			}
			blocks = append(blocks, ToolCall{ID: r.ID, Name: r.Name, Arguments: args})
		case "image":
			blocks = append(blocks, ImageContent{Data: r.Data, MimeType: r.MimeType})
		default:
			// Unknown block types are dropped rather than failing the line.
			continue
		}
	}
	return blocks, nil
}

// ---------------------------------------------------------------------------
// Message codec
// ---------------------------------------------------------------------------

func (m UserMessage) MarshalJSON() ([]byte, error) {
	type alias UserMessage
	a := alias(m)
	a.Role = RoleUser
	return json.Marshal(a)
}

func (m *UserMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		Content     json.RawMessage `json:"content"`
		Attachments []Attachment    `json:"attachments"`
		Timestamp   int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	blocks, err := unmarshalBlocks(w.Content)
	if err != nil {
		return err
	}
	m.Role = RoleUser
	m.Content = blocks
	m.Attachments = w.Attachments
	m.Timestamp = w.Timestamp
	return nil
}

func (m AssistantMessage) MarshalJSON() ([]byte, error) {
	type alias AssistantMessage
	a := alias(m)
	a.Role = RoleAssistant
	return json.Marshal(a)
}

func (m *AssistantMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		Content      json.RawMessage `json:"content"`
		StopReason   StopReason      `json:"stopReason"`
		ErrorMessage string          `json:"errorMessage"`
		Usage        Usage           `json:"usage"`
		Provider     string          `json:"provider"`
		Model        string          `json:"model"`
		API          string          `json:"api"`
		Timestamp    int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	blocks, err := unmarshalBlocks(w.Content)
	if err != nil {
		return err
	}
	m.Role = RoleAssistant
	m.Content = blocks
	m.StopReason = w.StopReason
	m.ErrorMessage = w.ErrorMessage
	m.Usage = w.Usage
	m.Provider = w.Provider
	m.Model = w.Model
	m.API = w.API
	m.Timestamp = w.Timestamp
	return nil
}

func (m ToolResultMessage) MarshalJSON() ([]byte, error) {
	type alias ToolResultMessage
	a := alias(m)
	a.Role = RoleToolResult
	return json.Marshal(a)
}

func (m *ToolResultMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Content    json.RawMessage `json:"content"`
		Details    any             `json:"details"`
		IsError    bool            `json:"isError"`
		Timestamp  int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	blocks, err := unmarshalBlocks(w.Content)
	if err != nil {
		return err
	}
	m.Role = RoleToolResult
	m.ToolCallID = w.ToolCallID
	m.ToolName = w.ToolName
	m.Content = blocks
	m.Details = w.Details
	m.IsError = w.IsError
	m.Timestamp = w.Timestamp
	return nil
}

func (m HookMessage) MarshalJSON() ([]byte, error) {
	type alias HookMessage
	a := alias(m)
	a.Role = RoleHookMessage
	return json.Marshal(a)
}

func (m *HookMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		CustomType string          `json:"customType"`
		Content    json.RawMessage `json:"content"`
		Details    any             `json:"details"`
		Timestamp  int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	blocks, err := unmarshalBlocks(w.Content)
	if err != nil {
		return err
	}
	m.Role = RoleHookMessage
	m.CustomType = w.CustomType
	m.Content = blocks
	m.Details = w.Details
	m.Timestamp = w.Timestamp
	return nil
}

// MarshalMessage serialises any message to its wire form. Pointer messages
// are dereferenced first so the journal always stores value shapes.
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(DerefMessage(msg))
}

// UnmarshalMessage decodes a message by probing its role field.
func UnmarshalMessage(data []byte) (Message, error) {
	var probe struct {
		Role Role `json:"role"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode message role: %w", err)
	}
	switch probe.Role {
	case RoleUser:
		var m UserMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case RoleAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case RoleToolResult:
		var m ToolResultMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case RoleHookMessage:
		var m HookMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message role %q", probe.Role)
	}
}

// DerefMessage normalises pointer messages to values so type switches over
// Message only need the value cases.
func DerefMessage(msg Message) Message {
	switch m := msg.(type) {
	case *UserMessage:
		return *m
	case *AssistantMessage:
		return *m
	case *ToolResultMessage:
		return *m
	case *HookMessage:
		return *m
	default:
		return msg
	}
}
