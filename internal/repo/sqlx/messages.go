package sqlxrepo

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/router"
)

// pageCap bounds unbounded history queries.
const pageCap = 100

// Messages is the postgres history store.
type Messages struct {
	log      *slog.Logger
	db       *sqlx.DB
	channels router.Channels
}

func NewMessages(log *slog.Logger, db *sqlx.DB, channels router.Channels) *Messages {
	return &Messages{log: log, db: db, channels: channels}
}

func (s *Messages) storeError(op string, err error) error {
	s.log.Error("messages store",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return errors.InternalServerError("kite.store", "store: %s failed", op)
}

func (s *Messages) Persist(ctx context.Context, owner *router.Member, messageID, content string, at time.Time) (*router.HistoryMessage, error) {
	// Same (owner, messageId) overwrites: idempotent retries.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kite.messages (channel_name, member_id, message_id, content, time)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (channel_name, member_id, message_id)
		 DO UPDATE SET content = EXCLUDED.content, time = EXCLUDED.time`,
		owner.ChannelName, owner.ID, messageID, content, at)
	if err != nil {
		return nil, s.storeError("message upsert", err)
	}
	return &router.HistoryMessage{
		ChannelName: owner.ChannelName,
		MemberID:    owner.ID,
		MessageID:   messageID,
		Content:     content,
		Time:        at,
	}, nil
}

func (s *Messages) Find(ctx context.Context, owner *router.Member, messageID string) (*router.HistoryMessage, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM kite.messages WHERE channel_name = $1 AND member_id = $2 AND message_id = $3",
		owner.ChannelName, owner.ID, messageID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(
			"kite.message.not_found",
			"history: no message %s for member %s", messageID, owner.ID,
		)
	}
	if err != nil {
		return nil, s.storeError("message lookup", err)
	}
	return row.message(), nil
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

	// Scan the time index descending so the limit keeps the newest
	// records, then flip to ascending.
	stmt := psql.Select("*").
		From("kite.messages").
		Where(sq.Eq{"channel_name": member.ChannelName, "member_id": member.ID}).
		OrderBy("time DESC").
		Limit(uint64(limit))
	if !since.IsZero() {
		stmt = stmt.Where(sq.Gt{"time": since})
	}
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, s.storeError("query build", err)
	}

	var rows []messageRow
	if err = s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.storeError("message scan", err)
	}
	result := make([]*router.HistoryMessage, len(rows))
	for i := range rows {
		result[len(rows)-1-i] = rows[i].message()
	}
	return result, nil
}
