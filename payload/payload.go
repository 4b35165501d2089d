package payload

import (
	"fmt"
	"time"
)

// Wire type tags. Every payload encodes to a JSON array whose first
// element is one of these tags; the remaining elements are positional.
type Type string

const (
	TypeOK   Type = "OK"
	TypePing Type = "PING"
	TypePong Type = "PONG"
	TypeErr  Type = "ERR"
	TypeAck  Type = "ACK"
	TypeTxt  Type = "TXT"
	TypeBin  Type = "BIN"
	TypeUpl  Type = "UPL"
)

// Message status convention shared by all connectors:
// 0 = incoming (authored by the client relative to the host),
// 2 = authored by the host.
const (
	StatusIncoming = 0
	StatusHost     = 2
)

// NoticeID marks system notices (join/leave/switch). The router skips
// history persistence and peer updates for acks carrying this id.
const NoticeID = "-"

type Payload interface {
	Type() Type
}

// MessagePayload is a routable payload: TXT or BIN.
type MessagePayload interface {
	Payload
	MessageID() string
	Created() time.Time
	Status() int
}

// Binary is a routable file payload. URI may perform I/O: connector-backed
// implementations resolve the download link lazily, so callers that
// re-route inside the same transport never pay for it.
type Binary interface {
	MessagePayload
	URI() (string, error)
	FileName() string
	FileType() string
	FileSize() int64
}

// IsImage reports whether a binary payload carries an image MIME type.
func IsImage(bin Binary) bool {
	mime := bin.FileType()
	return len(mime) > 6 && mime[:6] == "image/"
}

type control Type

func (c control) Type() Type { return Type(c) }

// Type-only payloads.
var (
	OK   Payload = control(TypeOK)
	Ping Payload = control(TypePing)
	Pong Payload = control(TypePong)
)

// Plaintext is the TXT payload.
type Plaintext struct {
	Text string
	ID   string
	Time time.Time
	Stat int
}

// NewPlaintext returns a TXT payload with incoming status.
func NewPlaintext(text, id string, created time.Time) *Plaintext {
	return &Plaintext{Text: text, ID: id, Time: created}
}

// NewNotice returns a system notice TXT payload. Notices are delivered
// only: the router persists no history and moves no peer bindings for
// them.
func NewNotice(text string) *Plaintext {
	return &Plaintext{Text: text, ID: NoticeID, Time: time.Now()}
}

func (*Plaintext) Type() Type           { return TypeTxt }
func (m *Plaintext) MessageID() string  { return m.ID }
func (m *Plaintext) Created() time.Time { return m.Time }
func (m *Plaintext) Status() int        { return m.Stat }

func (m *Plaintext) String() string {
	return fmt.Sprintf("TXT [text=%s, messageId=%s, created=%s]", m.Text, m.ID, m.Time.Format(time.RFC3339))
}

// BinaryMessage is the BIN payload with an already-resolved URI.
type BinaryMessage struct {
	ID   string
	URL  string
	Name string
	MIME string
	Size int64
	Time time.Time
	Stat int
}

func (*BinaryMessage) Type() Type             { return TypeBin }
func (m *BinaryMessage) MessageID() string    { return m.ID }
func (m *BinaryMessage) Created() time.Time   { return m.Time }
func (m *BinaryMessage) Status() int          { return m.Stat }
func (m *BinaryMessage) URI() (string, error) { return m.URL, nil }
func (m *BinaryMessage) FileName() string     { return m.Name }
func (m *BinaryMessage) FileType() string     { return m.MIME }
func (m *BinaryMessage) FileSize() int64      { return m.Size }

// Ack is the ACK payload, returned by the destination connector
// after a successful send.
type Ack struct {
	MessageID            string
	DestinationMessageID string
	Delivered            time.Time
}

func (*Ack) Type() Type { return TypeAck }

// Error is the ERR payload. Code follows HTTP semantics:
// 400 validation, 404 not found, 409 conflict, 500 generic.
type Error struct {
	Reason string
	Code   int
}

func (*Error) Type() Type { return TypeErr }

// Upload is the UPL payload. A client upload-request carries no
// UploadURI; the server's upload-response fills both URIs.
type Upload struct {
	MessageID    string
	CanonicalURI string
	UploadURI    string
}

func (*Upload) Type() Type { return TypeUpl }
