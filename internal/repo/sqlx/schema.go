package sqlxrepo

import (
	"context"

	"github.com/jmoiron/sqlx"
	perrors "github.com/pkg/errors"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS kite;

CREATE TABLE IF NOT EXISTS kite.channels (
	name            text PRIMARY KEY,
	host_member_id  text NOT NULL,
	title           text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS kite.members (
	channel_name    text NOT NULL REFERENCES kite.channels (name) ON DELETE CASCADE,
	member_id       text NOT NULL,
	user_name       text NOT NULL DEFAULT '',
	host            boolean NOT NULL DEFAULT false,
	connection_uri  text NOT NULL,
	peer_member_id  text,
	pinned          jsonb NOT NULL DEFAULT '{}',
	last_seen       jsonb NOT NULL DEFAULT '{}',
	PRIMARY KEY (channel_name, member_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS members_connection_uri
	ON kite.members (connection_uri);

CREATE TABLE IF NOT EXISTS kite.messages (
	channel_name    text NOT NULL,
	member_id       text NOT NULL,
	message_id      text NOT NULL,
	content         text NOT NULL,
	time            timestamptz NOT NULL,
	PRIMARY KEY (channel_name, member_id, message_id)
);

CREATE INDEX IF NOT EXISTS messages_owner_time
	ON kite.messages (channel_name, member_id, time DESC);
`

// Setup creates the kite schema objects when absent.
func Setup(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return perrors.Wrap(err, "kite schema")
}
