// Package webchat implements the "ws" connector: browser clients
// speaking the JSON-array wire protocol over a WebSocket.
package webchat

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/payload"
	"github.com/pragmasoft-ua/kite-chat/router"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingPeriod     = 30 * time.Second
	messageMaxSize = 64 << 10
)

// Options carries the connector configuration.
type Options struct {
	// ObjectStore answers UPL upload requests.
	ObjectStore ObjectStore
	// CheckOrigin overrides the upgrade origin policy, default allows
	// any origin (the widget is embedded on arbitrary sites).
	CheckOrigin func(r *http.Request) bool
}

// WebChatBot is the WebSocket connector.
type WebChatBot struct {
	log      *slog.Logger
	router   *router.Router
	channels router.Channels
	store    ObjectStore
	upgrader websocket.Upgrader

	mx       sync.RWMutex
	sessions map[string]*session
}

// NewWebChatBot initializes the connector and registers it with the
// router under the "ws" id.
func NewWebChatBot(
	log *slog.Logger,
	rtr *router.Router,
	channels router.Channels,
	opts Options,
) *WebChatBot {

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	c := &WebChatBot{
		log:      log,
		router:   rtr,
		channels: channels,
		store:    opts.ObjectStore,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      checkOrigin,
		},
		sessions: make(map[string]*session, 64),
	}
	rtr.Register(c)
	return c
}

// ID returns the "ws" connector id.
func (c *WebChatBot) ID() string { return router.WS }

// session is one live WebSocket connection bound to a member.
type session struct {
	bot  *WebChatBot
	id   string
	conn *websocket.Conn

	wmx sync.Mutex // serializes frame writes
}

func (s *session) connectionURI() string {
	return router.ConnectionURI(router.WS, s.id)
}

func (s *session) write(messageType int, data []byte) error {
	s.wmx.Lock()
	defer s.wmx.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *session) send(p payload.Payload) error {
	data, err := payload.Encode(p)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

// sendError degrades any error into an ERR frame.
func (s *session) sendError(err error) {
	re := errors.FromError(err)
	code := int(re.Code)
	if code == 0 {
		code = http.StatusInternalServerError
	}
	if err = s.send(&payload.Error{Reason: re.Detail, Code: code}); err != nil {
		s.bot.log.Warn("error frame",
			slog.String("session", s.id),
			slog.String("error", err.Error()),
		)
	}
}

// ServeHTTP upgrades the connection, joins the channel given by the
// "c" query parameter and runs the session read loop until the peer
// goes away.
func (c *WebChatBot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with the handshake error.
		return
	}
	s := &session{bot: c, id: uuid.NewString(), conn: conn}

	c.mx.Lock()
	c.sessions[s.id] = s
	c.mx.Unlock()

	c.log.Debug("session open",
		slog.String("session", s.id),
	)
	defer c.closeSession(s)

	query := r.URL.Query()
	if channelName := query.Get("c"); channelName != "" {
		if err = c.join(r.Context(), s, channelName, query.Get("m"), query.Get("n")); err != nil {
			s.sendError(err)
			return
		}
	}
	if err = s.send(payload.OK); err != nil {
		return
	}
	c.readLoop(s)
}

// join binds the session to a channel member: a fresh member id joins,
// a known one atomically switches its connection here.
func (c *WebChatBot) join(ctx context.Context, s *session, channelName, memberID, userName string) error {
	if memberID == "" {
		memberID = uuid.NewString()
	}
	if userName == "" {
		userName = memberID
	}
	member, err := c.channels.JoinChannel(ctx, channelName, memberID, s.connectionURI(), userName)
	if err == nil {
		return c.router.Dispatch(ctx, &router.RoutingContext{
			OriginConnection: s.connectionURI(),
			From:             member,
			Request:          payload.NewNotice("✅ " + userName + " joined channel " + channelName),
		})
	}
	if errors.FromError(err).Code != http.StatusConflict {
		return err
	}
	_, err = c.channels.SwitchConnection(ctx, channelName, memberID, s.connectionURI())
	return err
}

func (c *WebChatBot) closeSession(s *session) {
	c.mx.Lock()
	delete(c.sessions, s.id)
	c.mx.Unlock()
	s.conn.Close()

	// The member may have never joined or already left.
	_, err := c.channels.LeaveChannel(context.Background(), s.connectionURI())
	if err != nil && errors.FromError(err).Code != http.StatusNotFound {
		c.log.Warn("session leave",
			slog.String("session", s.id),
			slog.String("error", err.Error()),
		)
	}
	c.log.Debug("session closed",
		slog.String("session", s.id),
	)
}

func (c *WebChatBot) readLoop(s *session) {
	s.conn.SetReadLimit(messageMaxSize)
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(s, stop)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("session read",
					slog.String("session", s.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		c.onFrame(s, data)
	}
}

func (c *WebChatBot) keepAlive(s *session, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// onFrame decodes and handles one inbound frame. Errors never kill the
// session, they surface as ERR frames.
func (c *WebChatBot) onFrame(s *session, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	decoded, err := payload.Decode(data)
	if err != nil {
		s.sendError(err)
		return
	}
	switch request := decoded.(type) {
	case *payload.Plaintext:
		c.onMessage(ctx, s, request)

	case payload.Binary:
		c.onMessage(ctx, s, request)

	case *payload.Upload:
		c.onUpload(ctx, s, request)

	default:
		if decoded.Type() == payload.TypePing {
			if err = s.send(payload.Pong); err != nil {
				c.log.Warn("pong",
					slog.String("session", s.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		s.sendError(errors.BadRequest(
			"kite.payload.invalid",
			"payload: unsupported inbound type %s", decoded.Type(),
		))
	}
}

// onMessage routes an inbound TXT or BIN and answers with the ack.
func (c *WebChatBot) onMessage(ctx context.Context, s *session, request payload.MessagePayload) {
	rctx := &router.RoutingContext{
		OriginConnection: s.connectionURI(),
		Request:          request,
	}
	if err := c.router.Dispatch(ctx, rctx); err != nil {
		s.sendError(err)
		return
	}
	if err := s.send(rctx.Response); err != nil {
		c.log.Warn("ack",
			slog.String("session", s.id),
			slog.String("error", err.Error()),
		)
	}
}

// onUpload answers an UPL upload request with the presigned
// destination.
func (c *WebChatBot) onUpload(ctx context.Context, s *session, request *payload.Upload) {
	if c.store == nil {
		s.sendError(errors.BadRequest(
			"kite.upload.unsupported", "upload: no object store configured",
		))
		return
	}
	member, err := c.channels.Find(ctx, s.connectionURI())
	if err != nil {
		s.sendError(err)
		return
	}
	canonical, upload, err := c.store.Presign(
		ctx, member.ChannelName, member.ID, request.MessageID, request.CanonicalURI,
	)
	if err != nil {
		s.sendError(err)
		return
	}
	err = s.send(&payload.Upload{
		MessageID:    request.MessageID,
		CanonicalURI: canonical,
		UploadURI:    upload,
	})
	if err != nil {
		c.log.Warn("upload response",
			slog.String("session", s.id),
			slog.String("error", err.Error()),
		)
	}
}

// Dispatch performs the outbound send into a live session. WS never
// rewrites ids, the destination id equals the request id.
func (c *WebChatBot) Dispatch(ctx context.Context, rctx *router.RoutingContext) error {
	raw := router.RawConnection(rctx.DestinationConnection)
	c.mx.RLock()
	s := c.sessions[raw]
	c.mx.RUnlock()
	if s == nil {
		return errors.NotFound(
			"kite.ws.session.not_found", "webchat: no session %s", raw,
		)
	}
	data, err := payload.Encode(rctx.Request)
	if err != nil {
		return err
	}
	if err = s.write(websocket.TextMessage, data); err != nil {
		return errors.InternalServerError(
			"kite.routing.ws",
			"%s connector error: %s", c.ID(), err.Error(),
		)
	}
	rctx.Response = &payload.Ack{
		MessageID:            rctx.Request.MessageID(),
		DestinationMessageID: rctx.Request.MessageID(),
		Delivered:            time.Now(),
	}
	return nil
}
