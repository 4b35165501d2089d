// Package memory holds process-local implementations of the routing
// registry and history stores. They back the single-node deployment and
// the test suites; the sqlx repositories mirror the same semantics.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/internal/util"
	"github.com/pragmasoft-ua/kite-chat/router"
)

type Channels struct {
	mx       sync.RWMutex
	channels map[string]*router.Channel
	members  map[string]map[string]*router.Member // channel name -> member id
	byConn   map[string]*router.Member            // connection URI
}

func NewChannels() *Channels {
	return &Channels{
		channels: make(map[string]*router.Channel),
		members:  make(map[string]map[string]*router.Member),
		byConn:   make(map[string]*router.Member),
	}
}

func snapshot(m *router.Member) *router.Member {
	if m == nil {
		return nil
	}
	c := *m
	c.Pinned = make(map[string]string, len(m.Pinned))
	for k, v := range m.Pinned {
		c.Pinned[k] = v
	}
	c.LastSeen = make(map[string]time.Time, len(m.LastSeen))
	for k, v := range m.LastSeen {
		c.LastSeen[k] = v
	}
	return &c
}

func (s *Channels) HostChannel(ctx context.Context, name, memberID, connectionURI, title string) (*router.Channel, error) {
	if err := util.ValidateChannelName(name); err != nil {
		return nil, err
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.channels[name]; ok {
		return nil, errors.Conflict(
			"kite.channel.exists",
			"channel: name %s is already taken", name,
		)
	}
	for _, members := range s.members {
		if m, ok := members[memberID]; ok && m.ConnectionURI != connectionURI {
			return nil, errors.Conflict(
				"kite.member.exists",
				"channel: member %s already belongs to channel %s", memberID, m.ChannelName,
			)
		}
	}
	if other, ok := s.byConn[connectionURI]; ok {
		return nil, errors.Conflict(
			"kite.connection.exists",
			"channel: connection %s already belongs to member %s", connectionURI, other.ID,
		)
	}

	channel := &router.Channel{
		Name:         name,
		HostMemberID: memberID,
		Title:        title,
	}
	host := &router.Member{
		ID:            memberID,
		ChannelName:   name,
		UserName:      title,
		Host:          true,
		ConnectionURI: connectionURI,
		Pinned:        make(map[string]string),
		LastSeen:      make(map[string]time.Time),
	}
	s.channels[name] = channel
	s.members[name] = map[string]*router.Member{memberID: host}
	s.byConn[connectionURI] = host
	return channel, nil
}

func (s *Channels) JoinChannel(ctx context.Context, name, memberID, connectionURI, userName string) (*router.Member, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	channel, ok := s.channels[name]
	if !ok {
		return nil, errors.NotFound(
			"kite.channel.not_found",
			"channel: no channel named %s", name,
		)
	}
	if _, ok = s.members[name][memberID]; ok {
		return nil, errors.Conflict(
			"kite.member.exists",
			"channel: member %s already joined channel %s", memberID, name,
		)
	}
	if other, ok := s.byConn[connectionURI]; ok {
		return nil, errors.Conflict(
			"kite.connection.exists",
			"channel: connection %s already belongs to member %s", connectionURI, other.ID,
		)
	}

	member := &router.Member{
		ID:            memberID,
		ChannelName:   name,
		UserName:      userName,
		ConnectionURI: connectionURI,
		PeerMemberID:  channel.HostMemberID,
		Pinned:        make(map[string]string),
		LastSeen:      make(map[string]time.Time),
	}
	s.members[name][memberID] = member
	s.byConn[connectionURI] = member
	return snapshot(member), nil
}

func (s *Channels) LeaveChannel(ctx context.Context, connectionURI string) (*router.Member, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	member, err := s.findLocked(connectionURI)
	if err != nil {
		return nil, err
	}
	if member.Host {
		return nil, errors.BadRequest(
			"kite.channel.leave.host",
			"channel: host cannot leave; drop the channel instead",
		)
	}
	delete(s.members[member.ChannelName], member.ID)
	delete(s.byConn, member.ConnectionURI)
	return snapshot(member), nil
}

func (s *Channels) DropChannel(ctx context.Context, connectionURI string) (*router.Member, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	member, err := s.findLocked(connectionURI)
	if err != nil {
		return nil, err
	}
	if !member.Host {
		return nil, errors.BadRequest(
			"kite.channel.drop.client",
			"channel: only the host connection may drop channel %s", member.ChannelName,
		)
	}
	for _, m := range s.members[member.ChannelName] {
		delete(s.byConn, m.ConnectionURI)
	}
	delete(s.members, member.ChannelName)
	delete(s.channels, member.ChannelName)
	return snapshot(member), nil
}

func (s *Channels) SwitchConnection(ctx context.Context, channelName, memberID, newConnectionURI string) (*router.Member, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	member, err := s.findMemberLocked(channelName, memberID)
	if err != nil {
		return nil, err
	}
	if other, ok := s.byConn[newConnectionURI]; ok && other != member {
		return nil, errors.Conflict(
			"kite.connection.exists",
			"channel: connection %s already belongs to member %s", newConnectionURI, other.ID,
		)
	}
	delete(s.byConn, member.ConnectionURI)
	member.ConnectionURI = newConnectionURI
	s.byConn[newConnectionURI] = member
	return snapshot(member), nil
}

func (s *Channels) Find(ctx context.Context, connectionURI string) (*router.Member, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	member, err := s.findLocked(connectionURI)
	if err != nil {
		return nil, err
	}
	return snapshot(member), nil
}

func (s *Channels) FindMember(ctx context.Context, channelName, memberID string) (*router.Member, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	member, err := s.findMemberLocked(channelName, memberID)
	if err != nil {
		return nil, err
	}
	return snapshot(member), nil
}

func (s *Channels) UpdateURI(ctx context.Context, m *router.Member, connectionURI, lastMessageID string, at time.Time) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	member, err := s.findMemberLocked(m.ChannelName, m.ID)
	if err != nil {
		return err
	}
	member.LastSeen[connectionURI] = at
	return nil
}

func (s *Channels) UpdatePeer(ctx context.Context, m *router.Member, peerMemberID string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	member, err := s.findMemberLocked(m.ChannelName, m.ID)
	if err != nil {
		return err
	}
	member.PeerMemberID = peerMemberID
	m.PeerMemberID = peerMemberID
	return nil
}

func (s *Channels) FindUnAnswered(ctx context.Context, from, to *router.Member) (string, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	member, err := s.findMemberLocked(from.ChannelName, from.ID)
	if err != nil {
		// from may have left already; its snapshot still carries the
		// pin state the caller needs to clean up after it.
		return from.Pinned[to.ID], nil
	}
	return member.Pinned[to.ID], nil
}

func (s *Channels) UpdateUnAnswered(ctx context.Context, m *router.Member, peerMemberID, messageID string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	member, err := s.findMemberLocked(m.ChannelName, m.ID)
	if err != nil {
		return err
	}
	member.Pinned[peerMemberID] = messageID
	return nil
}

func (s *Channels) DeleteUnAnswered(ctx context.Context, m *router.Member, peerMemberID string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(m.Pinned, peerMemberID)
	member, err := s.findMemberLocked(m.ChannelName, m.ID)
	if err != nil {
		// departed member: nothing stored to clear
		return nil
	}
	delete(member.Pinned, peerMemberID)
	return nil
}

func (s *Channels) findLocked(connectionURI string) (*router.Member, error) {
	member, ok := s.byConn[connectionURI]
	if !ok {
		return nil, errors.NotFound(
			"kite.member.not_found",
			"channel: no member on connection %s", connectionURI,
		)
	}
	return member, nil
}

func (s *Channels) findMemberLocked(channelName, memberID string) (*router.Member, error) {
	member, ok := s.members[channelName][memberID]
	if !ok {
		return nil, errors.NotFound(
			"kite.member.not_found",
			"channel: no member %s in channel %s", memberID, channelName,
		)
	}
	return member, nil
}
