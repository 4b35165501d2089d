// Package telegram implements the "tg" connector: a Telegram Bot API
// transport that lets a Telegram group act as the host of a support
// channel and any Telegram chat join one as a client.
package telegram

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/internal/util"
	"github.com/pragmasoft-ua/kite-chat/payload"
	"github.com/pragmasoft-ua/kite-chat/router"
)

const (
	success = "✅ "
	fail    = "⛔ "

	historyLimit = 10
	// Telegram retries webhook delivery until acknowledged; recently
	// seen update ids are dropped to keep handling idempotent.
	updateCacheSize = 1024
)

var allowedUpdates = []string{"message", "edited_message", "chat_member"}

// Options carries the connector configuration.
type Options struct {
	Token string
	// WebhookURL is the public endpoint registered with Telegram.
	WebhookURL string
	// SecretToken authenticates webhook calls.
	SecretToken string
	// WSApiURL is the wss:// address advertised to fresh hosts.
	WSApiURL string
	// Client overrides the Bot API HTTP client; the default carries
	// a 10s timeout.
	Client *http.Client
}

// TelegramBot is the Telegram chat connector.
type TelegramBot struct {
	*tgbotapi.BotAPI

	log      *slog.Logger
	router   *router.Router
	channels router.Channels
	messages router.Messages

	webhookURL  string
	secretToken string
	wsAPI       string

	seen *lru.Cache[int, struct{}]
}

// NewTelegramBot initializes the connector and registers it with the
// router under the "tg" id.
func NewTelegramBot(
	log *slog.Logger,
	rtr *router.Router,
	channels router.Channels,
	messages router.Messages,
	opts Options,
) (*TelegramBot, error) {

	if opts.Token == "" {
		return nil, errors.BadRequest(
			"kite.tg.token.required",
			"telegram: bot API token required",
		)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	botAPI, err := tgbotapi.NewBotAPIWithClient(
		opts.Token, tgbotapi.APIEndpoint, client,
	)
	if err != nil {
		return nil, errors.New(
			"kite.tg.setup.error",
			"telegram: "+err.Error(),
			http.StatusBadGateway,
		)
	}

	seen, _ := lru.New[int, struct{}](updateCacheSize)
	c := &TelegramBot{
		BotAPI:      botAPI,
		log:         log,
		router:      rtr,
		channels:    channels,
		messages:    messages,
		webhookURL:  opts.WebhookURL,
		secretToken: opts.SecretToken,
		wsAPI:       coerceWSS(opts.WSApiURL),
		seen:        seen,
	}
	rtr.Register(c)
	return c, nil
}

// ID returns the "tg" connector id.
func (c *TelegramBot) ID() string { return router.TG }

// coerceWSS forces the advertised frontend URL onto the wss scheme.
func coerceWSS(raw string) string {
	if scheme, rest, ok := strings.Cut(raw, "://"); ok && scheme != "wss" {
		return "wss://" + rest
	}
	return raw
}

// Register sets the Telegram webhook with the allowed update kinds and
// the shared secret token.
func (c *TelegramBot) Register(ctx context.Context) error {
	allowed, _ := json.Marshal(allowedUpdates)
	params := tgbotapi.Params{
		"url":             c.webhookURL,
		"allowed_updates": string(allowed),
	}
	params.AddNonEmpty("secret_token", c.secretToken)

	res, err := c.MakeRequest("setWebhook", params)
	if err != nil {
		c.log.Error("webhook register",
			slog.String("error", err.Error()),
		)
		return err
	}
	if !res.Ok {
		return errors.New(
			"kite.tg.register.error",
			"telegram: "+res.Description,
			int32(res.ErrorCode),
		)
	}
	c.log.Info("webhook registered",
		slog.String("url", c.webhookURL),
	)
	return nil
}

// Deregister removes the webhook.
func (c *TelegramBot) Deregister(ctx context.Context) error {
	_, err := c.MakeRequest("deleteWebhook", tgbotapi.Params{})
	return err
}

// Close deregisters the webhook and shuts the connector down.
func (c *TelegramBot) Close() error {
	return c.Deregister(context.Background())
}

// Dispatch performs the outbound send into a Telegram chat and fills
// the delivery ack.
func (c *TelegramBot) Dispatch(ctx context.Context, rctx *router.RoutingContext) error {
	chatID, err := util.DecodeID(router.RawConnection(rctx.DestinationConnection))
	if err != nil {
		return err
	}

	var send tgbotapi.Chattable
	switch request := rctx.Request.(type) {
	case *payload.Plaintext:
		text := request.Text
		if rctx.To.IsHost() {
			// The "#<id> <name>" frame renders as a clickable hashtag
			// and carries the Reply-To return address.
			text = "#" + rctx.From.ID + " " + rctx.From.UserName + "\n" + text
		}
		send = tgbotapi.NewMessage(chatID, text)

	case payload.Binary:
		send, err = c.newBinarySend(chatID, request)
		if err != nil {
			return err
		}

	default:
		return errors.InternalServerError(
			"kite.routing.payload",
			"routing: unsupported payload %s", rctx.Request.Type(),
		)
	}

	sent, err := c.Send(send)
	if err != nil {
		return errors.InternalServerError(
			"kite.routing.tg",
			"%s connector error: %s", c.ID(), err.Error(),
		)
	}

	if rctx.From.ID != rctx.To.ID {
		c.trackUnAnswered(ctx, rctx, chatID, &sent)
	}

	rctx.Response = &payload.Ack{
		MessageID:            rctx.Request.MessageID(),
		DestinationMessageID: util.EncodeID(int64(sent.MessageID)),
		Delivered:            time.Unix(int64(sent.Date), 0),
	}
	return nil
}

// newBinarySend picks the outbound file transfer form: a known fileId
// re-routes as is, anything else goes by URL. Animated images and
// stickers ship as documents so Telegram keeps them intact.
func (c *TelegramBot) newBinarySend(chatID int64, bin payload.Binary) (tgbotapi.Chattable, error) {
	var file tgbotapi.RequestFileData
	if tb, ok := bin.(*telegramBinary); ok {
		file = tgbotapi.FileID(tb.fileID)
	} else {
		uri, err := bin.URI()
		if err != nil {
			return nil, err
		}
		file = tgbotapi.FileURL(uri)
	}

	mime := bin.FileType()
	if payload.IsImage(bin) && mime != "image/gif" && mime != "image/webp" {
		return tgbotapi.NewPhoto(chatID, file), nil
	}
	return tgbotapi.NewDocument(chatID, file), nil
}

// trackUnAnswered maintains the per-pair pinned unanswered message:
// pin the fresh outbound message while the pair has none, unpin when
// the conversation ends with a leave notice.
func (c *TelegramBot) trackUnAnswered(ctx context.Context, rctx *router.RoutingContext, chatID int64, sent *tgbotapi.Message) {
	text := sent.Text
	isNotice := strings.Contains(text, success) &&
		(strings.Contains(text, "joined channel") ||
			strings.Contains(text, "left channel") ||
			strings.Contains(text, "switched to Telegram"))
	isLeaveNotice := strings.Contains(text, success) && strings.Contains(text, "left channel")

	pinned, err := c.channels.FindUnAnswered(ctx, rctx.From, rctx.To)
	if err != nil {
		c.log.Warn("unanswered lookup",
			slog.String("error", err.Error()),
		)
		return
	}
	if pinned == "" {
		if isNotice {
			return
		}
		_, err = c.Request(tgbotapi.PinChatMessageConfig{
			ChatID:              chatID,
			MessageID:           sent.MessageID,
			DisableNotification: true,
		})
		if err != nil {
			c.log.Warn("pin",
				slog.String("error", err.Error()),
			)
			return
		}
		messageID := util.EncodeID(int64(sent.MessageID))
		if err = c.channels.UpdateUnAnswered(ctx, rctx.From, rctx.To.ID, messageID); err != nil {
			c.log.Warn("pin record",
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if isLeaveNotice {
		c.unpin(ctx, rctx.From, rctx.To, chatID, pinned)
	}
}

// unpin removes the recorded unanswered pin from the given chat.
func (c *TelegramBot) unpin(ctx context.Context, from, to *router.Member, chatID int64, pinned string) {
	messageID, err := util.DecodeID(pinned)
	if err != nil {
		c.log.Warn("unpin",
			slog.String("error", err.Error()),
		)
		return
	}
	_, err = c.Request(tgbotapi.UnpinChatMessageConfig{
		ChatID:    chatID,
		MessageID: int(messageID),
	})
	if err != nil {
		c.log.Warn("unpin",
			slog.String("error", err.Error()),
		)
	}
	if err = c.channels.DeleteUnAnswered(ctx, from, to.ID); err != nil {
		c.log.Warn("unpin record",
			slog.String("error", err.Error()),
		)
	}
}

// connectionURI renders the canonical "tg:<base36>" route of a chat.
func connectionURI(chatID int64) string {
	return router.ConnectionURI(router.TG, util.EncodeID(chatID))
}
