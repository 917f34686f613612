package protocol

import (
	"slices"
	"time"
)

// Message is one message inside a conversation. A message's (id, content)
// pair is immutable once written; a conflicting edit produces a new logical
// version of the conversation, never an in-place rewrite.
type Message struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	Surface       string    `json:"surface"`
	SourceBackend string    `json:"source_backend"`
	Version       int64     `json:"version"`
}

// ConversationRecord is the sync snapshot of one conversation. Version is a
// per-conversation monotonic logical clock: it strictly increases with every
// locally-originated mutation and is never decremented, even across merges.
type ConversationRecord struct {
	ConversationID string    `json:"conversation_id"`
	Version        int64     `json:"version"`
	Messages       []Message `json:"messages"`
	Surfaces       []string  `json:"surfaces"`
	LastModified   time.Time `json:"last_modified"`
	SourceBackend  string    `json:"source_backend"`
}

// Clone returns a deep copy of the record.
func (r ConversationRecord) Clone() ConversationRecord {
	out := r
	out.Messages = slices.Clone(r.Messages)
	out.Surfaces = slices.Clone(r.Surfaces)
	return out
}

// AppendMessage records a locally-originated message: the message is added,
// the logical clock ticks, and the record's modification metadata moves to
// this backend. Messages with an id already present are ignored; ids are
// unique per conversation.
func (r *ConversationRecord) AppendMessage(msg Message, backendID string, now time.Time) bool {
	for _, existing := range r.Messages {
		if existing.ID == msg.ID {
			return false
		}
	}
	r.Version++
	msg.Version = r.Version
	msg.SourceBackend = backendID
	r.Messages = append(r.Messages, msg)
	r.LastModified = now.UTC()
	r.SourceBackend = backendID
	if msg.Surface != "" && !slices.Contains(r.Surfaces, msg.Surface) {
		r.Surfaces = append(r.Surfaces, msg.Surface)
	}
	return true
}

// DedupeMessages drops all but the first occurrence of each message id,
// preserving order. Incoming records pass through this so that a payload
// containing duplicates cannot append the same message twice.
func DedupeMessages(msgs []Message) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0:0]
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
