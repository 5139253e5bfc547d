// Package session — journal entry types and the line codec.
package session

import (
	"encoding/json"

	"github.com/kestrel-dev/agentkit/pkg/ai"
)

// EntryType identifies the kind of journal line.
type EntryType string

const (
	EntryTypeSession EntryType = "session" // metadata, always line 1
	EntryTypeMessage EntryType = "message"
	EntryTypeCustom  EntryType = "custom"
)

// ---------------------------------------------------------------------------
// Metadata (first line of every journal)
// ---------------------------------------------------------------------------

// Metadata is the first line of every session file.
type Metadata struct {
	Type          EntryType        `json:"type"` // "session"
	ID            string           `json:"id"`   // session UUID
	Timestamp     int64            `json:"timestamp"`
	Cwd           string           `json:"cwd"`
	Provider      string           `json:"provider"`
	ModelID       string           `json:"modelId"`
	ThinkingLevel ai.ThinkingLevel `json:"thinkingLevel"`
	Compaction    *CompactionState `json:"compaction,omitempty"`
	ForkedFrom    string           `json:"forkedFrom,omitempty"`
}

// CompactionState is what a resumed session needs to iterate an
// "update the previous summary" compaction instead of starting over.
type CompactionState struct {
	LastSummary   string   `json:"lastSummary"`
	ReadFiles     []string `json:"readFiles"`
	ModifiedFiles []string `json:"modifiedFiles"`
}

// ---------------------------------------------------------------------------
// Entry envelope (lines 2..N)
// ---------------------------------------------------------------------------

// envelope is the wire form of every non-metadata line. Message entries
// carry the serialised message; custom entries carry an opaque payload.
// There are no per-entry ids: replaying AppendMessage with a loaded message
// list reproduces the file bytes.
type envelope struct {
	Type       EntryType       `json:"type"`
	Message    json.RawMessage `json:"message,omitempty"`
	CustomType string          `json:"customType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CustomEntry is a non-message journal record: hook-injected annotations,
// queue snapshots, anything the runtime wants to persist without sending to
// the model.
type CustomEntry struct {
	CustomType string
	Data       json.RawMessage
}

// peekType reads the "type" field of a journal line; "" means unparseable.
func peekType(line []byte) EntryType {
	var probe struct {
		Type EntryType `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return ""
	}
	return probe.Type
}
