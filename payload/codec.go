package payload

import (
	"encoding/json"
	"time"

	"github.com/micro/micro/v3/service/errors"
)

// Wire codec. Payloads travel as a JSON array [TYPE, ...fields] with
// fixed positional fields per type; optional trailing fields are
// omitted, never emitted as null. Both directions are pure, except that
// encoding a connector-backed Binary may resolve its download URI.

// Encode serializes a payload into its wire form.
func Encode(p Payload) ([]byte, error) {
	var fields []any
	switch m := p.(type) {
	case *Plaintext:
		fields = []any{TypeTxt, m.ID, m.Text, wireTime(m.Time)}
		if m.Stat != 0 {
			fields = append(fields, m.Stat)
		}
	case Binary:
		uri, err := m.URI()
		if err != nil {
			return nil, err
		}
		fields = []any{
			TypeBin, m.MessageID(), uri,
			m.FileName(), m.FileType(), m.FileSize(),
			wireTime(m.Created()),
		}
		if m.Status() != 0 {
			fields = append(fields, m.Status())
		}
	case *Ack:
		fields = []any{TypeAck, m.MessageID, m.DestinationMessageID, wireTime(m.Delivered)}
	case *Error:
		fields = []any{TypeErr, m.Reason, m.Code}
	case *Upload:
		fields = []any{TypeUpl, m.MessageID, m.CanonicalURI}
		if m.UploadURI != "" {
			fields = append(fields, m.UploadURI)
		}
	case control:
		fields = []any{p.Type()}
	default:
		return nil, errors.InternalServerError(
			"kite.payload.encode",
			"payload: no encoder for %s", p.Type(),
		)
	}
	return json.Marshal(fields)
}

// Decode parses the wire form back into a payload.
func Decode(data []byte) (Payload, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, badWire("not a JSON array: %s", err.Error())
	}
	if len(elems) == 0 {
		return nil, badWire("empty payload array")
	}
	var tag string
	if err := json.Unmarshal(elems[0], &tag); err != nil {
		return nil, badWire("payload type tag must be a string")
	}
	args := elems[1:]
	switch Type(tag) {
	case TypeOK:
		return OK, nil
	case TypePing:
		return Ping, nil
	case TypePong:
		return Pong, nil
	case TypeTxt:
		return decodePlaintext(args)
	case TypeBin:
		return decodeBinary(args)
	case TypeAck:
		return decodeAck(args)
	case TypeErr:
		return decodeError(args)
	case TypeUpl:
		return decodeUpload(args)
	}
	return nil, badWire("unknown payload type %s", tag)
}

func decodePlaintext(args []json.RawMessage) (Payload, error) {
	if len(args) < 3 || len(args) > 4 {
		return nil, badWire("TXT: expect 3..4 fields, got %d", len(args))
	}
	m := new(Plaintext)
	if err := scan(args, &m.ID, &m.Text, timeField{&m.Time}); err != nil {
		return nil, err
	}
	if len(args) == 4 {
		if err := field(args[3], &m.Stat); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeBinary(args []json.RawMessage) (Payload, error) {
	if len(args) < 6 || len(args) > 7 {
		return nil, badWire("BIN: expect 6..7 fields, got %d", len(args))
	}
	m := new(BinaryMessage)
	err := scan(args,
		&m.ID, &m.URL, &m.Name, &m.MIME, &m.Size, timeField{&m.Time},
	)
	if err != nil {
		return nil, err
	}
	if len(args) == 7 {
		if err = field(args[6], &m.Stat); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeAck(args []json.RawMessage) (Payload, error) {
	if len(args) != 3 {
		return nil, badWire("ACK: expect 3 fields, got %d", len(args))
	}
	m := new(Ack)
	err := scan(args, &m.MessageID, &m.DestinationMessageID, timeField{&m.Delivered})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeError(args []json.RawMessage) (Payload, error) {
	if len(args) != 2 {
		return nil, badWire("ERR: expect 2 fields, got %d", len(args))
	}
	m := new(Error)
	if err := scan(args, &m.Reason, &m.Code); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeUpload(args []json.RawMessage) (Payload, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, badWire("UPL: expect 2..3 fields, got %d", len(args))
	}
	m := new(Upload)
	if err := scan(args, &m.MessageID, &m.CanonicalURI); err != nil {
		return nil, err
	}
	if len(args) == 3 {
		if err := field(args[2], &m.UploadURI); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// timeField unmarshals an ISO-8601 instant string.
type timeField struct{ v *time.Time }

func scan(args []json.RawMessage, fields ...any) error {
	for i, f := range fields {
		if err := field(args[i], f); err != nil {
			return err
		}
	}
	return nil
}

func field(raw json.RawMessage, into any) error {
	if t, ok := into.(timeField); ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return badWire("instant field must be a string")
		}
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return badWire("invalid instant %s", s)
		}
		*t.v = v
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return badWire("malformed field: %s", err.Error())
	}
	return nil
}

func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func badWire(format string, args ...any) error {
	return errors.BadRequest("kite.payload.invalid", "payload: "+format, args...)
}
