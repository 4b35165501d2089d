package telegram

import (
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pragmasoft-ua/kite-chat/payload"
)

// telegramBinary is a BIN payload backed by a Telegram file id. The
// download URI is resolved lazily through getFile, so re-routing inside
// Telegram ships the fileId with zero copy and never touches the API.
type telegramBinary struct {
	bot *TelegramBot

	id      string
	fileID  string
	name    string
	mime    string
	size    int64
	created time.Time
	status  int

	uri string
}

var _ payload.Binary = (*telegramBinary)(nil)

func (*telegramBinary) Type() payload.Type   { return payload.TypeBin }
func (m *telegramBinary) MessageID() string  { return m.id }
func (m *telegramBinary) Created() time.Time { return m.created }
func (m *telegramBinary) Status() int        { return m.status }
func (m *telegramBinary) FileName() string   { return m.name }
func (m *telegramBinary) FileType() string   { return m.mime }
func (m *telegramBinary) FileSize() int64    { return m.size }

// URI resolves the direct download link on first use.
func (m *telegramBinary) URI() (string, error) {
	if m.uri == "" {
		file, err := m.bot.GetFile(tgbotapi.FileConfig{FileID: m.fileID})
		if err != nil {
			return "", err
		}
		m.uri = file.Link(m.bot.Token)
	}
	return m.uri, nil
}
