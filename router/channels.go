package router

import (
	"context"
	"time"
)

// Channel is a named chat space pairing one host with many clients.
type Channel struct {
	// Name is globally unique, 8..32 chars of [A-Za-z0-9_-].
	Name string
	// HostMemberID identifies the member operating this channel.
	HostMemberID string
	// Title is the human-readable name, from the Telegram chat title
	// or the webchat configuration.
	Title string
}

// Member is a participant of a channel, reachable on exactly one
// connection at a time.
type Member struct {
	ID          string
	ChannelName string
	UserName    string
	Host        bool
	// ConnectionURI is the currently active "<connectorId>:<raw>" route.
	ConnectionURI string
	// PeerMemberID is the counterpart this member last talked to.
	// For hosts it floats to whichever client sent the last inbound
	// message; for clients it is always the channel's host.
	PeerMemberID string
	// Pinned maps peer member id to the remote id of the currently
	// pinned unanswered message, at most one per ordered pair.
	Pinned map[string]string
	// LastSeen maps connection URI to the time of the last message
	// delivered to that specific connection. Feeds history replay
	// after a connection switch.
	LastSeen map[string]time.Time
}

func (m *Member) IsHost() bool { return m != nil && m.Host }

// LastSeenOn returns the last delivery time recorded against the given
// connection, zero when none.
func (m *Member) LastSeenOn(connectionURI string) time.Time {
	if m == nil || m.LastSeen == nil {
		return time.Time{}
	}
	return m.LastSeen[connectionURI]
}

// Channels is the membership and connection registry, the single source
// of truth for member state. Mutations are serialized per channel.
type Channels interface {

	// HostChannel creates a channel with this member as its host.
	// Fails with 400 on a malformed name, 409 when the name is taken
	// or the member already belongs to a channel on another connection.
	HostChannel(ctx context.Context, name, memberID, connectionURI, title string) (*Channel, error)

	// JoinChannel registers a non-host member and binds its peer to
	// the channel host. Fails with 404 when there is no such channel,
	// 409 when the member already joined.
	JoinChannel(ctx context.Context, name, memberID, connectionURI, userName string) (*Member, error)

	// LeaveChannel removes the non-host member reachable on this
	// connection and returns its final snapshot. Hosts must DropChannel.
	LeaveChannel(ctx context.Context, connectionURI string) (*Member, error)

	// DropChannel removes the channel owned by the host on this
	// connection together with all its members.
	DropChannel(ctx context.Context, connectionURI string) (*Member, error)

	// SwitchConnection atomically rebinds a member to a new connection,
	// preserving membership and peer state.
	SwitchConnection(ctx context.Context, channelName, memberID, newConnectionURI string) (*Member, error)

	// Find resolves the member bound to the given connection.
	Find(ctx context.Context, connectionURI string) (*Member, error)

	// FindMember resolves a member by its channel and id.
	FindMember(ctx context.Context, channelName, memberID string) (*Member, error)

	// UpdateURI records a delivery against the specific connection:
	// the last remote message id and its timestamp.
	UpdateURI(ctx context.Context, m *Member, connectionURI, lastMessageID string, at time.Time) error

	// UpdatePeer rebinds the member's floating peer.
	UpdatePeer(ctx context.Context, m *Member, peerMemberID string) error

	// FindUnAnswered returns the remote id of the message from has
	// sent to to that to has not yet replied to, "" when none. When
	// from has already left, the answer comes from its Pinned snapshot
	// so the departure cleanup can still find the pin.
	FindUnAnswered(ctx context.Context, from, to *Member) (string, error)

	// UpdateUnAnswered records the pinned unanswered message id for
	// the ordered pair (m, peer).
	UpdateUnAnswered(ctx context.Context, m *Member, peerMemberID, messageID string) error

	// DeleteUnAnswered clears the pinned unanswered message for the
	// ordered pair (m, peer). Clearing after m has left is not an
	// error: the snapshot entry is dropped and the call succeeds.
	DeleteUnAnswered(ctx context.Context, m *Member, peerMemberID string) error
}
