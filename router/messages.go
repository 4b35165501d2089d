package router

import (
	"context"
	"time"
)

// HistoryMessage is one persisted message of a member's transcript.
// History is written on the client side of a conversation only, so a
// client can query its own transcript without aggregating across peers.
type HistoryMessage struct {
	ChannelName string
	MemberID    string
	// MessageID is the remote id assigned by the owner-side connector.
	MessageID string
	// Content is the payload re-encoded in the wire format,
	// round-trippable through the codec.
	Content string
	Time    time.Time
}

// MessagesRequest narrows a history query. Member or ConnectionURI is
// required; when only the connection is given the owner is resolved
// through the Channels registry.
type MessagesRequest struct {
	Member        *Member
	ConnectionURI string
	// LastMessageTime bounds results to time > LastMessageTime.
	// Takes priority over LastMessageID when both are set.
	LastMessageTime time.Time
	// LastMessageID bounds results to messages after the named one.
	LastMessageID string
	// LastMessageByConnection sources LastMessageTime from the
	// member's per-connection delivery timestamp; requires ConnectionURI.
	LastMessageByConnection bool
	// Limit caps the result count; 0 falls back to the store page cap.
	Limit int
}

// Messages is the append-only history store keyed by (channel, member).
type Messages interface {

	// Persist appends a record; same (owner, messageId) overwrites,
	// so at-least-once retries stay idempotent.
	Persist(ctx context.Context, owner *Member, messageID, content string, at time.Time) (*HistoryMessage, error)

	// Find returns a single history record, 404 when absent.
	Find(ctx context.Context, owner *Member, messageID string) (*HistoryMessage, error)

	// FindAll returns matching records in ascending time order,
	// regardless of the backend scan direction.
	FindAll(ctx context.Context, req *MessagesRequest) ([]*HistoryMessage, error)
}
