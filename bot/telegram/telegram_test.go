package telegram

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	lru "github.com/hashicorp/golang-lru/v2"
)

func commandMessage(text string) *tgbotapi.Message {
	end := strings.IndexByte(text, ' ')
	if end < 0 {
		end = len(text)
	}
	return &tgbotapi.Message{
		Text: text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: end},
		},
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text    string
		name    string
		args    string
		sub     subCommandType
		subArgs []string
	}{
		{text: "/help", name: "/help"},
		{text: "/HOST support_1", name: "/host", args: "support_1"},
		{text: "/join@kite_bot support_1", name: "/join", args: "support_1"},
		{text: "/start join__support_1", name: "/start", args: "join__support_1",
			sub: subJoin, subArgs: []string{"support_1"}},
		{text: "/start join__support_1__abc", name: "/start", args: "join__support_1__abc",
			sub: subJoin, subArgs: []string{"support_1", "abc"}},
		{text: "/start host__support_1", name: "/start", args: "host__support_1",
			sub: subHost, subArgs: []string{"support_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, err := parseCommand(commandMessage(tt.text))
			if err != nil {
				t.Fatalf("parseCommand: %v", err)
			}
			if cmd.name != tt.name || cmd.args != tt.args || cmd.sub != tt.sub {
				t.Errorf("got %q %q sub=%d; want %q %q sub=%d",
					cmd.name, cmd.args, cmd.sub, tt.name, tt.args, tt.sub)
			}
			if len(cmd.subArgs) != len(tt.subArgs) {
				t.Fatalf("subArgs = %v; want %v", cmd.subArgs, tt.subArgs)
			}
			for i := range tt.subArgs {
				if cmd.subArgs[i] != tt.subArgs[i] {
					t.Errorf("subArgs = %v; want %v", cmd.subArgs, tt.subArgs)
				}
			}
		})
	}

	t.Run("unsupported subcommand", func(t *testing.T) {
		if _, err := parseCommand(commandMessage("/start drop__support_1")); err == nil {
			t.Error("expected error for unsupported subcommand")
		}
	})

	// entity offsets count UTF-16 code units, so a preceding symbol
	// shifts byte and code-unit indexes apart
	t.Run("utf-16 offset", func(t *testing.T) {
		cmd, err := parseCommand(&tgbotapi.Message{
			Text: "❗ /help please",
			Entities: []tgbotapi.MessageEntity{
				{Type: "bot_command", Offset: 2, Length: 5},
			},
		})
		if err != nil {
			t.Fatalf("parseCommand: %v", err)
		}
		if cmd.name != "/help" || cmd.args != "please" {
			t.Errorf("got %q %q; want /help please", cmd.name, cmd.args)
		}
	})

	t.Run("entity out of range", func(t *testing.T) {
		_, err := parseCommand(&tgbotapi.Message{
			Text: "/x",
			Entities: []tgbotapi.MessageEntity{
				{Type: "bot_command", Offset: 0, Length: 9},
			},
		})
		if err == nil {
			t.Error("expected error for out-of-range entity")
		}
	})
}

func TestMemberIDFromHashTag(t *testing.T) {
	replyTo := &tgbotapi.Message{
		Text: "#5d7 John Doe\nsome question",
		Entities: []tgbotapi.MessageEntity{
			{Type: "hashtag", Offset: 0, Length: 4},
		},
	}
	if got := memberIDFromHashTag(replyTo); got != "5d7" {
		t.Errorf("memberIDFromHashTag = %q; want 5d7", got)
	}
	if got := memberIDFromHashTag(&tgbotapi.Message{Text: "no tags"}); got != "" {
		t.Errorf("memberIDFromHashTag = %q; want empty", got)
	}

	// a non-BMP rune before the tag occupies two UTF-16 units but four
	// bytes; the offsets still have to land on the hashtag
	emoji := &tgbotapi.Message{
		Text: "😀 #5d7 John",
		Entities: []tgbotapi.MessageEntity{
			{Type: "hashtag", Offset: 3, Length: 4},
		},
	}
	if got := memberIDFromHashTag(emoji); got != "5d7" {
		t.Errorf("memberIDFromHashTag = %q; want 5d7", got)
	}
}

func TestUpdateMessage(t *testing.T) {
	msg := func(text string) *tgbotapi.Message { return &tgbotapi.Message{Text: text} }
	tests := []struct {
		name   string
		update tgbotapi.Update
		want   string
	}{
		{"message", tgbotapi.Update{Message: msg("a")}, "a"},
		{"edited message", tgbotapi.Update{EditedMessage: msg("b")}, "b"},
		{"channel post", tgbotapi.Update{ChannelPost: msg("c")}, "c"},
		{"edited channel post", tgbotapi.Update{EditedChannelPost: msg("d")}, "d"},
		{"none", tgbotapi.Update{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := updateMessage(&tt.update)
			if tt.want == "" {
				if got != nil {
					t.Errorf("updateMessage = %v; want nil", got)
				}
				return
			}
			if got == nil || got.Text != tt.want {
				t.Errorf("updateMessage = %v; want text %q", got, tt.want)
			}
		})
	}
}

func TestUserDisplayName(t *testing.T) {
	tests := []struct {
		name string
		user tgbotapi.User
		want string
	}{
		{"full", tgbotapi.User{FirstName: "John", LastName: "Doe", UserName: "jdoe"}, "John Doe"},
		{"first only", tgbotapi.User{FirstName: "John", UserName: "jdoe"}, "John"},
		{"username fallback", tgbotapi.User{UserName: "jdoe"}, "jdoe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := userDisplayName(&tt.user); got != tt.want {
				t.Errorf("userDisplayName = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestCoerceWSS(t *testing.T) {
	tests := []struct{ in, want string }{
		{"wss://k1te.chat/ws", "wss://k1te.chat/ws"},
		{"https://k1te.chat/ws", "wss://k1te.chat/ws"},
		{"ws://localhost:8080/ws", "wss://localhost:8080/ws"},
	}
	for _, tt := range tests {
		if got := coerceWSS(tt.in); got != tt.want {
			t.Errorf("coerceWSS(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestChannelPublicURL(t *testing.T) {
	c := &TelegramBot{wsAPI: "wss://k1te.chat/ws"}
	if got := c.channelPublicURL("support_1"); got != "wss://k1te.chat/ws?c=support_1" {
		t.Errorf("channelPublicURL = %q", got)
	}
}

func TestLargestPhoto(t *testing.T) {
	photos := []tgbotapi.PhotoSize{
		{FileID: "s", FileSize: 100},
		{FileID: "l", FileSize: 90000},
		{FileID: "m", FileSize: 40000},
	}
	if got := largestPhoto(photos); got.FileID != "l" {
		t.Errorf("largestPhoto = %s; want l", got.FileID)
	}
}

func TestWebHookSecret(t *testing.T) {
	seen, _ := lru.New[int, struct{}](16)
	c := &TelegramBot{secretToken: "s3cret", seen: seen}
	handler := c.WebHook()

	req := httptest.NewRequest(http.MethodPost, "/tg/webhook", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("missing secret: code = %d; want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/tg/webhook", strings.NewReader("not json"))
	req.Header.Set(secretTokenHeader, "s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: code = %d; want 400", rec.Code)
	}
}

func TestWebHookDedup(t *testing.T) {
	seen, _ := lru.New[int, struct{}](16)
	c := &TelegramBot{log: slog.Default(), secretToken: "s3cret", seen: seen}
	handler := c.WebHook()

	// An update with no message is acknowledged without side effects;
	// its redelivery hits the duplicate cache.
	body := `{"update_id":42}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/tg/webhook", strings.NewReader(body))
		req.Header.Set(secretTokenHeader, "s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || rec.Body.String() != okResponse {
			t.Errorf("attempt %d: code = %d body = %q", i, rec.Code, rec.Body.String())
		}
	}
	if !c.seen.Contains(42) {
		t.Error("update id not recorded in duplicate cache")
	}
}

func TestWebhookReplyShape(t *testing.T) {
	c := &TelegramBot{}
	raw := c.sendReply(111, "✅ You joined channel support_1", "")
	var reply map[string]any
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reply["method"] != "sendMessage" {
		t.Errorf("method = %v", reply["method"])
	}
	if reply["chat_id"] != float64(111) {
		t.Errorf("chat_id = %v", reply["chat_id"])
	}
	if _, present := reply["parse_mode"]; present {
		t.Error("empty parse_mode must be omitted")
	}
}
