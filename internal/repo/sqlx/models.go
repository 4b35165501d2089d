// Package sqlxrepo holds the postgres implementations of the routing
// registry and history stores, mirroring the semantics of the memory
// package.
package sqlxrepo

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	perrors "github.com/pkg/errors"

	"github.com/pragmasoft-ua/kite-chat/router"
)

// StatementBuilder parent for the $n placeholder dialect.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// pinnedMap is the per-peer pinned message state stored as JSONB.
type pinnedMap map[string]string

func (e pinnedMap) Value() (driver.Value, error) {
	if len(e) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, perrors.Wrap(err, "pinned marshal")
	}
	return string(data), nil
}

func (e *pinnedMap) Scan(src any) error {
	return scanJSON((*map[string]string)(e), src)
}

// lastSeenMap is the per-connection delivery timestamp state stored as
// JSONB.
type lastSeenMap map[string]time.Time

func (e lastSeenMap) Value() (driver.Value, error) {
	if len(e) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, perrors.Wrap(err, "last_seen marshal")
	}
	return string(data), nil
}

func (e *lastSeenMap) Scan(src any) error {
	return scanJSON((*map[string]time.Time)(e), src)
}

func scanJSON[T any](into *T, src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return perrors.Errorf("jsonb scan: unsupported source %T", src)
	}
	return perrors.Wrap(json.Unmarshal(data, into), "jsonb scan")
}

type channelRow struct {
	Name         string `db:"name"`
	HostMemberID string `db:"host_member_id"`
	Title        string `db:"title"`
}

type memberRow struct {
	ChannelName   string         `db:"channel_name"`
	MemberID      string         `db:"member_id"`
	UserName      string         `db:"user_name"`
	Host          bool           `db:"host"`
	ConnectionURI string         `db:"connection_uri"`
	PeerMemberID  sql.NullString `db:"peer_member_id"`
	Pinned        pinnedMap      `db:"pinned"`
	LastSeen      lastSeenMap    `db:"last_seen"`
}

func (e *memberRow) member() *router.Member {
	m := &router.Member{
		ID:            e.MemberID,
		ChannelName:   e.ChannelName,
		UserName:      e.UserName,
		Host:          e.Host,
		ConnectionURI: e.ConnectionURI,
		PeerMemberID:  e.PeerMemberID.String,
		Pinned:        map[string]string(e.Pinned),
		LastSeen:      map[string]time.Time(e.LastSeen),
	}
	if m.Pinned == nil {
		m.Pinned = make(map[string]string)
	}
	if m.LastSeen == nil {
		m.LastSeen = make(map[string]time.Time)
	}
	return m
}

type messageRow struct {
	ChannelName string    `db:"channel_name"`
	MemberID    string    `db:"member_id"`
	MessageID   string    `db:"message_id"`
	Content     string    `db:"content"`
	Time        time.Time `db:"time"`
}

func (e *messageRow) message() *router.HistoryMessage {
	return &router.HistoryMessage{
		ChannelName: e.ChannelName,
		MemberID:    e.MemberID,
		MessageID:   e.MessageID,
		Content:     e.Content,
		Time:        e.Time,
	}
}
