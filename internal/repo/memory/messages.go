package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/router"
)

// pageCap bounds unbounded history queries, mirroring the backend
// page size of the persistent store.
const pageCap = 100

type Messages struct {
	channels router.Channels

	mx    sync.RWMutex
	items map[ownerKey]map[string]*router.HistoryMessage
}

type ownerKey struct {
	channel string
	member  string
}

func NewMessages(channels router.Channels) *Messages {
	return &Messages{
		channels: channels,
		items:    make(map[ownerKey]map[string]*router.HistoryMessage),
	}
}

func (s *Messages) Persist(ctx context.Context, owner *router.Member, messageID, content string, at time.Time) (*router.HistoryMessage, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	key := ownerKey{owner.ChannelName, owner.ID}
	page, ok := s.items[key]
	if !ok {
		page = make(map[string]*router.HistoryMessage)
		s.items[key] = page
	}
	msg := &router.HistoryMessage{
		ChannelName: owner.ChannelName,
		MemberID:    owner.ID,
		MessageID:   messageID,
		Content:     content,
		Time:        at,
	}
	// same (owner, messageId) overwrites: idempotent retries
	page[messageID] = msg
	return msg, nil
}

func (s *Messages) Find(ctx context.Context, owner *router.Member, messageID string) (*router.HistoryMessage, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	msg := s.items[ownerKey{owner.ChannelName, owner.ID}][messageID]
	if msg == nil {
		return nil, errors.NotFound(
			"kite.message.not_found",
			"history: no message %s for member %s", messageID, owner.ID,
		)
	}
	return msg, nil
}

func (s *Messages) FindAll(ctx context.Context, req *router.MessagesRequest) ([]*router.HistoryMessage, error) {
	member := req.Member
	if member == nil && req.ConnectionURI == "" {
		return nil, errors.BadRequest(
			"kite.messages.request.invalid",
			"history: either member or connection is required",
		)
	}
	var err error
	if member == nil {
		if member, err = s.channels.Find(ctx, req.ConnectionURI); err != nil {
			return nil, err
		}
	}

	since := req.LastMessageTime
	if req.LastMessageByConnection {
		if req.ConnectionURI == "" {
			return nil, errors.BadRequest(
				"kite.messages.request.invalid",
				"history: lastMessageByConnection requires a connection",
			)
		}
		since = member.LastSeenOn(req.ConnectionURI)
	} else if since.IsZero() && req.LastMessageID != "" {
		anchor, err := s.Find(ctx, member, req.LastMessageID)
		if err != nil {
			return nil, err
		}
		since = anchor.Time
	}

	limit := req.Limit
	if limit <= 0 || limit > pageCap {
		limit = pageCap
	}

	s.mx.RLock()
	page := s.items[ownerKey{member.ChannelName, member.ID}]
	matched := make([]*router.HistoryMessage, 0, len(page))
	for _, msg := range page {
		if !since.IsZero() && !msg.Time.After(since) {
			continue
		}
		matched = append(matched, msg)
	}
	s.mx.RUnlock()

	// The backend scans the time index descending to honor the limit
	// against the newest records, then results flip to ascending.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Time.After(matched[j].Time)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Time.Before(matched[j].Time)
	})
	return matched, nil
}
