package telegram

import (
	"net/url"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/micro/micro/v3/service/errors"
)

const help = `This bot allows to set up support channel in the current chat as a host
or call existing support channel as a client.

/host *channel* set up current chat as a support channel named *channel*
/drop unregister current support channel

/join *channel* start conversation with support channel named *channel*
/leave leave current support channel

/info show the information about your current Channel
*channel* name should contain only alphanumeric letters, -(minus), \_(underline)
and be 8..32 characters long.

Once conversation is established, bot will forward messages from client to host and vice versa.

Host messages will be forwarded to the client who sent the last incoming message.

Use ↰ (Reply To) to respond to other messages.`

const anonymousInfo = `You don't have any channels at the moment.
To join one, use /join channelName.
For more information about possible actions, use /help.`

const memberInfo = `Hello %s!

You are a %s of the %s channel.

As a %s, you have the following privileges:
- Manage channel settings
- Moderate discussions and activities
If you need any further information or assistance use /help.`

type subCommandType int

const (
	subNone subCommandType = iota
	subJoin
	subHost
)

// command is a parsed bot_command with its raw and deep-link arguments.
type command struct {
	name string
	args string
	sub  subCommandType
	// subArgs are the "__"-separated deep-link parts after the
	// sub-command name; channel names keep single underscores.
	subArgs []string
}

func (c *command) hasSubCommand() bool { return c.sub != subNone }

// splitEntity cuts the entity's span and the text after it. Telegram
// counts entity offsets and lengths in UTF-16 code units, not bytes.
func splitEntity(text string, e tgbotapi.MessageEntity) (span, rest string, ok bool) {
	units := utf16.Encode([]rune(text))
	end := e.Offset + e.Length
	if e.Offset < 0 || e.Length < 0 || end > len(units) {
		return "", "", false
	}
	return string(utf16.Decode(units[e.Offset:end])),
		string(utf16.Decode(units[end:])), true
}

// parseCommand extracts the bot_command entity, folds its case and
// strips an "@botname" suffix.
func parseCommand(message *tgbotapi.Message) (*command, error) {
	name, rest, ok := splitEntity(message.Text, message.Entities[0])
	if !ok {
		return nil, errors.BadRequest(
			"kite.tg.command.invalid", "telegram: malformed command entity",
		)
	}
	name = strings.ToLower(name)
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := strings.TrimSpace(rest)

	cmd := &command{name: name, args: args}
	if parts := strings.Split(args, "__"); len(parts) > 1 {
		switch parts[0] {
		case "join":
			cmd.sub = subJoin
		case "host":
			cmd.sub = subHost
		default:
			return nil, errors.BadRequest(
				"kite.tg.command.invalid",
				"telegram: unsupported subcommand %s", parts[0],
			)
		}
		cmd.subArgs = parts[1:]
	}
	return cmd, nil
}

// memberIDFromHashTag scans a replied-to message for its first hashtag
// entity and returns the tag text without the leading '#'. Host-side
// frames start with "#<memberId> <userName>", which makes Telegram's
// native Reply-To address the original sender.
func memberIDFromHashTag(replyTo *tgbotapi.Message) string {
	for _, e := range replyTo.Entities {
		if e.Type != "hashtag" {
			continue
		}
		if tag, _, ok := splitEntity(replyTo.Text, e); ok && strings.HasPrefix(tag, "#") {
			return tag[1:]
		}
	}
	return ""
}

// userDisplayName renders "First Last", falling back to the username.
func userDisplayName(user *tgbotapi.User) string {
	var b strings.Builder
	if user.FirstName != "" {
		b.WriteString(user.FirstName)
	}
	if user.LastName != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(user.LastName)
	}
	if b.Len() == 0 {
		return user.UserName
	}
	return b.String()
}

// channelPublicURL advertises the webchat frontend address for a
// freshly hosted channel.
func (c *TelegramBot) channelPublicURL(channelName string) string {
	return c.wsAPI + "?c=" + url.QueryEscape(channelName)
}
