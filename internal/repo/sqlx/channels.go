package sqlxrepo

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/internal/util"
	"github.com/pragmasoft-ua/kite-chat/router"
)

// Channels is the postgres membership and connection registry.
type Channels struct {
	log *slog.Logger
	db  *sqlx.DB
}

func NewChannels(log *slog.Logger, db *sqlx.DB) *Channels {
	return &Channels{log: log, db: db}
}

func (s *Channels) withTx(ctx context.Context, txFunc func(tx *sqlx.Tx) error) (err error) {
	var tx *sqlx.Tx
	if tx, err = s.db.BeginTxx(ctx, nil); err != nil {
		return s.storeError("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			err = s.storeError("commit", err)
		}
	}()
	err = txFunc(tx)
	return
}

// storeError hides the infrastructure cause from the user-visible
// error, keeping it in the log only.
func (s *Channels) storeError(op string, err error) error {
	s.log.Error("channels store",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return errors.InternalServerError("kite.store", "store: %s failed", op)
}

func (s *Channels) HostChannel(ctx context.Context, name, memberID, connectionURI, title string) (*router.Channel, error) {
	if err := util.ValidateChannelName(name); err != nil {
		return nil, err
	}
	channel := &router.Channel{Name: name, HostMemberID: memberID, Title: title}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var taken bool
		err := tx.GetContext(ctx, &taken,
			"SELECT EXISTS (SELECT 1 FROM kite.channels WHERE name = $1)", name)
		if err != nil {
			return s.storeError("channel lookup", err)
		}
		if taken {
			return errors.Conflict(
				"kite.channel.exists",
				"channel: name %s is already taken", name,
			)
		}

		var other memberRow
		err = tx.GetContext(ctx, &other,
			"SELECT * FROM kite.members WHERE member_id = $1 AND connection_uri <> $2 LIMIT 1",
			memberID, connectionURI)
		if err == nil {
			return errors.Conflict(
				"kite.member.exists",
				"channel: member %s already belongs to channel %s", memberID, other.ChannelName,
			)
		}
		if err != sql.ErrNoRows {
			return s.storeError("member lookup", err)
		}
		if err = s.checkConnectionFree(ctx, tx, connectionURI, ""); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO kite.channels (name, host_member_id, title) VALUES ($1, $2, $3)",
			name, memberID, title)
		if err != nil {
			return s.storeError("channel insert", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kite.members
				(channel_name, member_id, user_name, host, connection_uri)
			 VALUES ($1, $2, $3, true, $4)`,
			name, memberID, title, connectionURI)
		if err != nil {
			return s.storeError("member insert", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channel, nil
}

func (s *Channels) JoinChannel(ctx context.Context, name, memberID, connectionURI, userName string) (*router.Member, error) {
	member := &router.Member{
		ID:            memberID,
		ChannelName:   name,
		UserName:      userName,
		ConnectionURI: connectionURI,
		Pinned:        make(map[string]string),
		LastSeen:      make(map[string]time.Time),
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var channel channelRow
		err := tx.GetContext(ctx, &channel,
			"SELECT * FROM kite.channels WHERE name = $1", name)
		if err == sql.ErrNoRows {
			return errors.NotFound(
				"kite.channel.not_found",
				"channel: no channel named %s", name,
			)
		}
		if err != nil {
			return s.storeError("channel lookup", err)
		}

		var exists bool
		err = tx.GetContext(ctx, &exists,
			"SELECT EXISTS (SELECT 1 FROM kite.members WHERE channel_name = $1 AND member_id = $2)",
			name, memberID)
		if err != nil {
			return s.storeError("member lookup", err)
		}
		if exists {
			return errors.Conflict(
				"kite.member.exists",
				"channel: member %s already joined channel %s", memberID, name,
			)
		}
		if err = s.checkConnectionFree(ctx, tx, connectionURI, ""); err != nil {
			return err
		}

		member.PeerMemberID = channel.HostMemberID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kite.members
				(channel_name, member_id, user_name, host, connection_uri, peer_member_id)
			 VALUES ($1, $2, $3, false, $4, $5)`,
			name, memberID, userName, connectionURI, channel.HostMemberID)
		if err != nil {
			return s.storeError("member insert", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

func (s *Channels) LeaveChannel(ctx context.Context, connectionURI string) (*router.Member, error) {
	var member *router.Member
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.findByConnection(ctx, tx, connectionURI)
		if err != nil {
			return err
		}
		if row.Host {
			return errors.BadRequest(
				"kite.channel.leave.host",
				"channel: host cannot leave; drop the channel instead",
			)
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM kite.members WHERE channel_name = $1 AND member_id = $2",
			row.ChannelName, row.MemberID)
		if err != nil {
			return s.storeError("member delete", err)
		}
		member = row.member()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

func (s *Channels) DropChannel(ctx context.Context, connectionURI string) (*router.Member, error) {
	var member *router.Member
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.findByConnection(ctx, tx, connectionURI)
		if err != nil {
			return err
		}
		if !row.Host {
			return errors.BadRequest(
				"kite.channel.drop.client",
				"channel: only the host connection may drop channel %s", row.ChannelName,
			)
		}
		// Members go via the FK cascade, history goes with the channel.
		_, err = tx.ExecContext(ctx,
			"DELETE FROM kite.messages WHERE channel_name = $1", row.ChannelName)
		if err != nil {
			return s.storeError("history delete", err)
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM kite.channels WHERE name = $1", row.ChannelName)
		if err != nil {
			return s.storeError("channel delete", err)
		}
		member = row.member()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

func (s *Channels) SwitchConnection(ctx context.Context, channelName, memberID, newConnectionURI string) (*router.Member, error) {
	var member *router.Member
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.findMemberRow(ctx, tx, channelName, memberID)
		if err != nil {
			return err
		}
		if err = s.checkConnectionFree(ctx, tx, newConnectionURI, memberID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE kite.members SET connection_uri = $1 WHERE channel_name = $2 AND member_id = $3",
			newConnectionURI, channelName, memberID)
		if err != nil {
			return s.storeError("member update", err)
		}
		row.ConnectionURI = newConnectionURI
		member = row.member()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

func (s *Channels) Find(ctx context.Context, connectionURI string) (*router.Member, error) {
	var row memberRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM kite.members WHERE connection_uri = $1", connectionURI)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(
			"kite.member.not_found",
			"channel: no member on connection %s", connectionURI,
		)
	}
	if err != nil {
		return nil, s.storeError("member lookup", err)
	}
	return row.member(), nil
}

func (s *Channels) FindMember(ctx context.Context, channelName, memberID string) (*router.Member, error) {
	var row memberRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM kite.members WHERE channel_name = $1 AND member_id = $2",
		channelName, memberID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(
			"kite.member.not_found",
			"channel: no member %s in channel %s", memberID, channelName,
		)
	}
	if err != nil {
		return nil, s.storeError("member lookup", err)
	}
	return row.member(), nil
}

func (s *Channels) UpdateURI(ctx context.Context, m *router.Member, connectionURI, lastMessageID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kite.members
			SET last_seen = jsonb_set(last_seen, ARRAY[$1], to_jsonb($2::timestamptz))
		 WHERE channel_name = $3 AND member_id = $4`,
		connectionURI, at, m.ChannelName, m.ID)
	if err != nil {
		return s.storeError("last_seen update", err)
	}
	return s.expectMember(res, m)
}

func (s *Channels) UpdatePeer(ctx context.Context, m *router.Member, peerMemberID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE kite.members SET peer_member_id = $1 WHERE channel_name = $2 AND member_id = $3",
		peerMemberID, m.ChannelName, m.ID)
	if err != nil {
		return s.storeError("peer update", err)
	}
	if err = s.expectMember(res, m); err != nil {
		return err
	}
	m.PeerMemberID = peerMemberID
	return nil
}

func (s *Channels) FindUnAnswered(ctx context.Context, from, to *router.Member) (string, error) {
	var pinned sql.NullString
	err := s.db.GetContext(ctx, &pinned,
		"SELECT pinned->>$1 FROM kite.members WHERE channel_name = $2 AND member_id = $3",
		to.ID, from.ChannelName, from.ID)
	if err == sql.ErrNoRows {
		// from may have left already; its snapshot still carries the
		// pin state the caller needs to clean up after it.
		return from.Pinned[to.ID], nil
	}
	if err != nil {
		return "", s.storeError("pinned lookup", err)
	}
	return pinned.String, nil
}

func (s *Channels) UpdateUnAnswered(ctx context.Context, m *router.Member, peerMemberID, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kite.members
			SET pinned = jsonb_set(pinned, ARRAY[$1], to_jsonb($2::text))
		 WHERE channel_name = $3 AND member_id = $4`,
		peerMemberID, messageID, m.ChannelName, m.ID)
	if err != nil {
		return s.storeError("pinned update", err)
	}
	if err = s.expectMember(res, m); err != nil {
		return err
	}
	if m.Pinned == nil {
		m.Pinned = make(map[string]string)
	}
	m.Pinned[peerMemberID] = messageID
	return nil
}

func (s *Channels) DeleteUnAnswered(ctx context.Context, m *router.Member, peerMemberID string) error {
	// A departed member matches no row; the delete of its snapshot
	// entry is all that is left to do.
	delete(m.Pinned, peerMemberID)
	_, err := s.db.ExecContext(ctx,
		"UPDATE kite.members SET pinned = pinned - $1 WHERE channel_name = $2 AND member_id = $3",
		peerMemberID, m.ChannelName, m.ID)
	if err != nil {
		return s.storeError("pinned delete", err)
	}
	return nil
}

func (s *Channels) expectMember(res sql.Result, m *router.Member) error {
	n, err := res.RowsAffected()
	if err != nil {
		return s.storeError("rows affected", err)
	}
	if n == 0 {
		return errors.NotFound(
			"kite.member.not_found",
			"channel: no member %s in channel %s", m.ID, m.ChannelName,
		)
	}
	return nil
}

func (s *Channels) checkConnectionFree(ctx context.Context, tx *sqlx.Tx, connectionURI, exceptMemberID string) error {
	var other memberRow
	err := tx.GetContext(ctx, &other,
		"SELECT * FROM kite.members WHERE connection_uri = $1", connectionURI)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return s.storeError("connection lookup", err)
	}
	if other.MemberID == exceptMemberID {
		return nil
	}
	return errors.Conflict(
		"kite.connection.exists",
		"channel: connection %s already belongs to member %s", connectionURI, other.MemberID,
	)
}

func (s *Channels) findByConnection(ctx context.Context, tx *sqlx.Tx, connectionURI string) (*memberRow, error) {
	var row memberRow
	err := tx.GetContext(ctx, &row,
		"SELECT * FROM kite.members WHERE connection_uri = $1", connectionURI)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(
			"kite.member.not_found",
			"channel: no member on connection %s", connectionURI,
		)
	}
	if err != nil {
		return nil, s.storeError("member lookup", err)
	}
	return &row, nil
}

func (s *Channels) findMemberRow(ctx context.Context, tx *sqlx.Tx, channelName, memberID string) (*memberRow, error) {
	var row memberRow
	err := tx.GetContext(ctx, &row,
		"SELECT * FROM kite.members WHERE channel_name = $1 AND member_id = $2",
		channelName, memberID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(
			"kite.member.not_found",
			"channel: no member %s in channel %s", memberID, channelName,
		)
	}
	if err != nil {
		return nil, s.storeError("member lookup", err)
	}
	return &row, nil
}
