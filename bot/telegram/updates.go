package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/internal/util"
	"github.com/pragmasoft-ua/kite-chat/payload"
	"github.com/pragmasoft-ua/kite-chat/router"
)

const (
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	okResponse        = "ok"
	markdown          = "Markdown"

	photoFileName = "photo.jpg"
	photoMIMEType = "image/jpeg"
)

// webhookReply is the inline Bot API method answered in the webhook
// response body, saving the extra sendMessage round trip.
type webhookReply struct {
	Method    string `json:"method"`
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// WebHook returns the Telegram update intake handler.
func (c *TelegramBot) WebHook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.secretToken != "" && r.Header.Get(secretTokenHeader) != c.secretToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		// Telegram redelivers until acknowledged, duplicates are dropped.
		if seen, _ := c.seen.ContainsOrAdd(update.UpdateID, struct{}{}); seen {
			w.Write([]byte(okResponse))
			return
		}
		reply := c.onUpdate(r.Context(), &update)
		if reply == nil {
			w.Write([]byte(okResponse))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(reply)
	})
}

func (c *TelegramBot) onUpdate(ctx context.Context, u *tgbotapi.Update) []byte {
	if u.MyChatMember != nil {
		return c.onMyChatMember(ctx, u.MyChatMember)
	}

	message := updateMessage(u)
	if message == nil {
		c.log.Warn("unhandled update",
			slog.Int("update_id", u.UpdateID),
		)
		return nil
	}

	reply, err := c.onMessageUpdate(ctx, message)
	if err != nil {
		re := errors.FromError(err)
		c.log.Error("update",
			slog.Int("update_id", u.UpdateID),
			slog.String("error", re.Detail),
		)
		return c.sendReply(message.Chat.ID, fail+re.Detail, "")
	}
	return reply
}

// updateMessage folds the update's message variants in intake order:
// chats deliver message/edited_message, channels deliver posts.
func updateMessage(u *tgbotapi.Update) *tgbotapi.Message {
	switch {
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.ChannelPost != nil:
		return u.ChannelPost
	case u.EditedChannelPost != nil:
		return u.EditedChannelPost
	}
	return nil
}

// onMyChatMember reacts to the bot's own membership transitions.
func (c *TelegramBot) onMyChatMember(ctx context.Context, m *tgbotapi.ChatMemberUpdated) []byte {
	oldStatus := m.OldChatMember.Status
	newStatus := m.NewChatMember.Status
	switch {
	case oldStatus == "left" && newStatus == "member":
		return c.sendReply(m.Chat.ID,
			success+"You successfully added "+m.NewChatMember.User.UserName, "")

	case oldStatus == "member" && newStatus == "administrator":
		c.log.Debug("bot promoted to administrator",
			slog.Int64("chat", m.Chat.ID),
		)

	case newStatus == "left" || newStatus == "kicked":
		// Removing the bot kills the channel hosted in this group.
		_, err := c.channels.DropChannel(ctx, connectionURI(m.Chat.ID))
		if err != nil && errors.FromError(err).Code != http.StatusNotFound {
			c.log.Warn("drop on bot removal",
				slog.Int64("chat", m.Chat.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// onMessageUpdate classifies a message update and hands it to the
// command or chat pipeline. Service messages are acknowledged silently.
func (c *TelegramBot) onMessageUpdate(ctx context.Context, message *tgbotapi.Message) ([]byte, error) {
	switch {
	case message.IsCommand():
		return c.onCommand(ctx, message)

	case message.GroupChatCreated,
		len(message.NewChatMembers) > 0,
		message.LeftChatMember != nil:
		return nil, nil

	case message.PinnedMessage != nil:
		// Drop the service notification our own pin produces.
		if _, err := c.Request(tgbotapi.NewDeleteMessage(message.Chat.ID, message.MessageID)); err != nil {
			c.log.Warn("delete pin notification",
				slog.String("error", err.Error()),
			)
		}
		return nil, nil

	default:
		return nil, c.onMessage(ctx, message)
	}
}

func (c *TelegramBot) onCommand(ctx context.Context, message *tgbotapi.Message) ([]byte, error) {
	cmd, err := parseCommand(message)
	if err != nil {
		return nil, err
	}
	chatID := message.Chat.ID
	if cmd.name == "/help" {
		return c.sendReply(chatID, help, markdown), nil
	}

	memberID := util.EncodeID(chatID)
	origin := connectionURI(chatID)
	var response string

	switch cmd.name {
	case "/info":
		return c.onInfo(ctx, chatID, origin), nil

	case "/start":
		if cmd.args == "" {
			return c.sendReply(chatID, help, markdown), nil
		}
		memberName := userDisplayName(message.From)
		if cmd.hasSubCommand() {
			channelName := cmd.subArgs[0]
			switch cmd.sub {
			case subHost:
				response, err = c.onHost(ctx, channelName, message.Chat.Title, memberID, origin)
			case subJoin:
				if len(cmd.subArgs) > 1 {
					// Deep link carries the existing member id, the chat
					// takes over that member's conversation.
					response, err = c.onSwitchConnection(ctx, chatID, channelName, cmd.subArgs[1], origin)
				} else {
					response, err = c.onJoin(ctx, channelName, memberID, origin, memberName)
				}
			}
		} else {
			response, err = c.onJoin(ctx, cmd.args, memberID, origin, memberName)
		}

	case "/join":
		response, err = c.onJoin(ctx, cmd.args, memberID, origin, userDisplayName(message.From))

	case "/host":
		response, err = c.onHost(ctx, cmd.args, message.Chat.Title, memberID, origin)

	case "/leave":
		response, err = c.onLeave(ctx, origin)

	case "/drop":
		var member *router.Member
		if member, err = c.channels.DropChannel(ctx, origin); err == nil {
			response = fmt.Sprintf(success+"You dropped channel %s", member.ChannelName)
		}

	default:
		return nil, errors.BadRequest(
			"kite.tg.command.invalid",
			"telegram: unsupported command %s", cmd.name,
		)
	}
	if err != nil {
		return nil, err
	}
	return c.sendReply(chatID, response, ""), nil
}

func (c *TelegramBot) onInfo(ctx context.Context, chatID int64, origin string) []byte {
	member, err := c.channels.Find(ctx, origin)
	if err != nil {
		return c.sendReply(chatID, anonymousInfo, markdown)
	}
	role := "Member"
	if member.IsHost() {
		role = "Host"
	}
	text := fmt.Sprintf(memberInfo, member.UserName, role, member.ChannelName, role)
	return c.sendReply(chatID, text, markdown)
}

func (c *TelegramBot) onHost(ctx context.Context, channelName, title, memberID, origin string) (string, error) {
	if _, err := c.channels.HostChannel(ctx, channelName, memberID, origin, title); err != nil {
		return "", err
	}
	return fmt.Sprintf(
		success+"Created channel %s. Use URL %s to configure kite chat frontend",
		channelName, c.channelPublicURL(channelName),
	), nil
}

func (c *TelegramBot) onJoin(ctx context.Context, channelName, memberID, origin, memberName string) (string, error) {
	member, err := c.channels.JoinChannel(ctx, channelName, memberID, origin, memberName)
	if err != nil {
		return "", err
	}
	err = c.router.Dispatch(ctx, &router.RoutingContext{
		OriginConnection: origin,
		From:             member,
		Request: payload.NewNotice(
			fmt.Sprintf(success+"%s joined channel %s", memberName, channelName),
		),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(success+"You joined channel %s", channelName), nil
}

func (c *TelegramBot) onLeave(ctx context.Context, origin string) (string, error) {
	member, err := c.channels.LeaveChannel(ctx, origin)
	if err != nil {
		return "", err
	}
	err = c.router.Dispatch(ctx, &router.RoutingContext{
		OriginConnection: origin,
		From:             member,
		Request: payload.NewNotice(
			fmt.Sprintf(success+"%s left channel %s", member.UserName, member.ChannelName),
		),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(success+"You left channel %s", member.ChannelName), nil
}

// onSwitchConnection rebinds an existing member to this Telegram chat
// and replays the recent history into it.
func (c *TelegramBot) onSwitchConnection(ctx context.Context, chatID int64, channelName, memberID, newConnection string) (string, error) {
	member, err := c.channels.SwitchConnection(ctx, channelName, memberID, newConnection)
	if err != nil {
		return "", err
	}
	err = c.router.Dispatch(ctx, &router.RoutingContext{
		OriginConnection: newConnection,
		From:             member,
		Request: payload.NewNotice(
			fmt.Sprintf(success+"%s switched to Telegram", member.UserName),
		),
	})
	if err != nil {
		return "", err
	}

	history, err := c.messages.FindAll(ctx, &router.MessagesRequest{
		Member: member,
		Limit:  historyLimit,
	})
	if err != nil {
		return "", err
	}
	for _, m := range history {
		c.replayHistoryMessage(ctx, chatID, newConnection, member, m)
	}
	return success + "You switched to Telegram", nil
}

// replayHistoryMessage re-delivers one stored message into the freshly
// bound Telegram chat. Incoming media is copied natively from the peer
// chat, everything else is self-dispatched. Failures degrade to a
// notice, replay never aborts the switch.
func (c *TelegramBot) replayHistoryMessage(ctx context.Context, chatID int64, newConnection string, member *router.Member, m *router.HistoryMessage) {
	decoded, err := payload.Decode([]byte(m.Content))
	if err != nil {
		c.recoverFailed(chatID, m.MessageID, err)
		return
	}
	request, ok := decoded.(payload.MessagePayload)
	if !ok {
		return
	}
	incoming := request.Status() == payload.StatusIncoming

	if request.Type() == payload.TypeBin && incoming {
		fromChatID, err := util.DecodeID(member.PeerMemberID)
		if err != nil {
			c.recoverFailed(chatID, m.MessageID, err)
			return
		}
		messageID, err := util.DecodeID(m.MessageID)
		if err != nil {
			c.recoverFailed(chatID, m.MessageID, err)
			return
		}
		cp := tgbotapi.NewCopyMessage(chatID, fromChatID, int(messageID))
		cp.Caption = "#Host"
		cp.DisableNotification = true
		if _, err = c.CopyMessage(cp); err != nil {
			c.recoverFailed(chatID, m.MessageID, err)
		}
		return
	}

	if txt, ok := request.(*payload.Plaintext); ok && incoming {
		request = &payload.Plaintext{
			Text: "#Host\n" + txt.Text,
			ID:   txt.ID,
			Time: txt.Time,
		}
	}
	// Straight to our own connector, replay leaves registry and history
	// untouched.
	err = c.Dispatch(ctx, &router.RoutingContext{
		OriginConnection:      newConnection,
		DestinationConnection: member.ConnectionURI,
		From:                  member,
		To:                    member,
		Request:               request,
		Idle:                  true,
	})
	if err != nil {
		c.recoverFailed(chatID, m.MessageID, err)
	}
}

func (c *TelegramBot) recoverFailed(chatID int64, messageID string, err error) {
	c.log.Warn("history replay",
		slog.String("message_id", messageID),
		slog.String("error", err.Error()),
	)
	msg := tgbotapi.NewMessage(chatID, fail+"Unable to recover this message")
	if _, err = c.Send(msg); err != nil {
		c.log.Warn("history replay notice",
			slog.String("error", err.Error()),
		)
	}
}

// onMessage routes a regular chat message. Host messages go to the
// hashtag of the replied-to frame or else to the floating peer, client
// messages always go to the channel host.
func (c *TelegramBot) onMessage(ctx context.Context, message *tgbotapi.Message) error {
	chatID := message.Chat.ID
	origin := connectionURI(chatID)
	from, err := c.channels.Find(ctx, origin)
	if err != nil {
		return err
	}

	var toMemberID string
	if message.ReplyToMessage != nil {
		toMemberID = memberIDFromHashTag(message.ReplyToMessage)
	}
	if toMemberID == "" {
		toMemberID = from.PeerMemberID
	}
	if toMemberID == "" {
		return errors.InternalServerError(
			"kite.routing.destination", "routing: nobody to send the message to",
		)
	}
	to, err := c.channels.FindMember(ctx, from.ChannelName, toMemberID)
	if err != nil {
		return err
	}

	msgID := util.EncodeID(int64(message.MessageID))
	created := message.Time()
	status := payload.StatusIncoming
	if from.IsHost() {
		status = payload.StatusHost
	}

	var request payload.MessagePayload
	switch {
	case message.Document != nil:
		d := message.Document
		request = &telegramBinary{
			bot:     c,
			id:      msgID,
			fileID:  d.FileID,
			name:    d.FileName,
			mime:    d.MimeType,
			size:    int64(d.FileSize),
			created: created,
			status:  status,
		}

	case len(message.Photo) > 0:
		photo := largestPhoto(message.Photo)
		name := message.Caption
		if name == "" {
			name = photoFileName
		}
		request = &telegramBinary{
			bot:     c,
			id:      msgID,
			fileID:  photo.FileID,
			name:    name,
			mime:    photoMIMEType,
			size:    int64(photo.FileSize),
			created: created,
			status:  status,
		}

	case message.Text != "":
		request = &payload.Plaintext{
			Text: message.Text,
			ID:   msgID,
			Time: created,
			Stat: status,
		}

	default:
		return errors.BadRequest(
			"kite.tg.message.unsupported", "telegram: unsupported message type",
		)
	}

	rctx := &router.RoutingContext{
		OriginConnection: origin,
		From:             from,
		To:               to,
		Request:          request,
	}
	if err = c.router.Dispatch(ctx, rctx); err != nil {
		return err
	}

	// A reply answers the pinned unanswered message in this chat.
	if pinned, err := c.channels.FindUnAnswered(ctx, to, from); err == nil && pinned != "" {
		c.unpin(ctx, to, from, chatID, pinned)
	}
	c.log.Debug("delivered",
		slog.String("message_id", rctx.Response.MessageID),
	)
	return nil
}

func largestPhoto(photos []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	largest := photos[0]
	for _, p := range photos[1:] {
		if p.FileSize > largest.FileSize {
			largest = p
		}
	}
	return largest
}

func (c *TelegramBot) sendReply(chatID int64, text, parseMode string) []byte {
	reply, err := json.Marshal(webhookReply{
		Method:    "sendMessage",
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
	})
	if err != nil {
		c.log.Error("webhook reply",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return reply
}
