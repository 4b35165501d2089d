package router

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/payload"
)

// Well-known connector ids. The webchat id participates in the
// dispatch algorithm: the side terminated by the webchat connector
// keeps the message id it already knows.
const (
	WS = "ws"
	TG = "tg"
)

// Connector is a pluggable transport identified by a short id used as
// the prefix of every connection URI.
type Connector interface {
	ID() string
	// Dispatch performs the outbound send for the routing context and
	// fills rctx.Response with the delivery ack.
	Dispatch(ctx context.Context, rctx *RoutingContext) error
}

// ConnectionURI builds "<connectorId>:<raw>".
func ConnectionURI(connectorID, raw string) string {
	return connectorID + ":" + raw
}

// ConnectorID returns the "<connectorId>" prefix of a connection URI.
func ConnectorID(connectionURI string) string {
	id, _, _ := strings.Cut(connectionURI, ":")
	return id
}

// RawConnection returns the connector-private part of a connection URI.
func RawConnection(connectionURI string) string {
	_, raw, _ := strings.Cut(connectionURI, ":")
	return raw
}

// RoutingContext carries a single in-flight routing request. The router
// fills the unset fields before calling the destination connector; each
// field is set once and never rewritten.
type RoutingContext struct {
	OriginConnection      string
	DestinationConnection string
	From                  *Member
	To                    *Member
	Request               payload.MessagePayload
	// Response is filled by the destination connector.
	Response *payload.Ack
	// Idle skips persistence and peer-update side effects. Used for
	// system notices and history replay.
	Idle bool
}

const pairLocks = 64

// Router binds two members via a RoutingContext and dispatches through
// the destination connector, then records delivery metadata and
// persists history.
type Router struct {
	log      *slog.Logger
	channels Channels
	messages Messages

	mx         sync.Mutex // guards one-shot connector registration
	connectors map[string]Connector

	// Striped per-pair locks: dispatches for the same ordered
	// (channel, from, to) pair are serialized so delivery order equals
	// order of acceptance.
	pair [pairLocks]sync.Mutex
}

func NewRouter(log *slog.Logger, channels Channels, messages Messages) *Router {
	return &Router{
		log:        log,
		channels:   channels,
		messages:   messages,
		connectors: make(map[string]Connector, 4),
	}
}

// Register wires a connector under its id. Registration happens during
// startup wiring; the table is read-only afterwards.
func (r *Router) Register(c Connector) *Router {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.connectors[c.ID()]; ok {
		panic("router: duplicate " + c.ID() + " connector register")
	}
	r.connectors[c.ID()] = c
	return r
}

func (r *Router) connector(id string) (Connector, error) {
	r.mx.Lock()
	c := r.connectors[id]
	r.mx.Unlock()
	if c == nil {
		return nil, errors.NotFound(
			"kite.connector.not_found",
			"router: no connector with id %s", id,
		)
	}
	return c, nil
}

func (r *Router) pairLock(rctx *RoutingContext) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(rctx.From.ChannelName))
	h.Write([]byte{0})
	h.Write([]byte(rctx.From.ID))
	h.Write([]byte{0})
	h.Write([]byte(rctx.To.ID))
	return &r.pair[h.Sum32()%pairLocks]
}

// Dispatch routes rctx.Request from its origin member to the resolved
// destination connector, then updates the registry and history stores.
func (r *Router) Dispatch(ctx context.Context, rctx *RoutingContext) error {
	if rctx.OriginConnection == "" {
		return errors.InternalServerError(
			"kite.routing.origin", "routing: unknown origin",
		)
	}
	var err error
	if rctx.From == nil {
		rctx.From, err = r.channels.Find(ctx, rctx.OriginConnection)
		if err != nil {
			return r.routingCause(err)
		}
	}
	if rctx.To == nil {
		rctx.To, err = r.channels.FindMember(
			ctx, rctx.From.ChannelName, rctx.From.PeerMemberID,
		)
		if err != nil {
			return r.routingCause(err)
		}
	}
	if rctx.DestinationConnection == "" {
		rctx.DestinationConnection = rctx.To.ConnectionURI
	}

	connector, err := r.connector(ConnectorID(rctx.DestinationConnection))
	if err != nil {
		return err
	}

	mx := r.pairLock(rctx)
	mx.Lock()
	defer mx.Unlock()

	if err = connector.Dispatch(ctx, rctx); err != nil {
		return err
	}
	ack := rctx.Response
	if ack == nil {
		return errors.InternalServerError(
			"kite.routing.response",
			"routing: missing response from connector %s", connector.ID(),
		)
	}

	if rctx.Idle {
		return nil
	}
	// System notices are delivery-only: no history, no peer moves.
	// The sender may already be gone, as with a departure notice.
	if ack.MessageID == payload.NoticeID {
		return nil
	}

	// The owner side keeps the id its own connector knows: for a
	// webchat origin both sides record the freshly assigned
	// destination id, for a webchat destination both keep the id
	// the client sent. Otherwise each side keeps its own.
	var ownerMessageID, toMessageID string
	switch {
	case ConnectorID(rctx.OriginConnection) == WS:
		ownerMessageID = ack.DestinationMessageID
		toMessageID = ack.DestinationMessageID
	case ConnectorID(rctx.DestinationConnection) == WS:
		ownerMessageID = ack.MessageID
		toMessageID = ack.MessageID
	default:
		ownerMessageID = ack.MessageID
		toMessageID = ack.DestinationMessageID
	}

	now := time.Now()
	if err = r.channels.UpdateURI(ctx, rctx.From, rctx.OriginConnection, ownerMessageID, now); err != nil {
		return err
	}
	if err = r.channels.UpdateURI(ctx, rctx.To, rctx.DestinationConnection, toMessageID, now); err != nil {
		return err
	}

	content, err := payload.Encode(rctx.Request)
	if err != nil {
		return err
	}
	// History lives on the client side of the pair only.
	if rctx.From.IsHost() {
		_, err = r.messages.Persist(ctx, rctx.To, toMessageID, string(content), ack.Delivered)
	} else {
		_, err = r.messages.Persist(ctx, rctx.From, ownerMessageID, string(content), ack.Delivered)
	}
	if err != nil {
		return err
	}

	if err = r.channels.UpdatePeer(ctx, rctx.To, rctx.From.ID); err != nil {
		return err
	}
	return r.channels.UpdatePeer(ctx, rctx.From, rctx.To.ID)
}

// routingCause degrades a lookup failure into the generic routing error
// the caller surfaces to the user, keeping the cause in the log only.
func (r *Router) routingCause(err error) error {
	re := errors.FromError(err)
	r.log.Warn("routing",
		slog.String("error", re.Detail),
	)
	return errors.InternalServerError(
		"kite.routing", "routing: %s", re.Detail,
	)
}
