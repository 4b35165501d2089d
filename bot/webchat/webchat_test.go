package webchat_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/bot/webchat"
	"github.com/pragmasoft-ua/kite-chat/internal/repo/memory"
	"github.com/pragmasoft-ua/kite-chat/payload"
	"github.com/pragmasoft-ua/kite-chat/router"
)

var ctx = context.Background()

// fakeTelegram stands in for the host-side connector.
type fakeTelegram struct {
	mx   sync.Mutex
	seq  int
	sent []payload.MessagePayload
}

func (c *fakeTelegram) ID() string { return router.TG }

func (c *fakeTelegram) Dispatch(ctx context.Context, rctx *router.RoutingContext) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.seq++
	c.sent = append(c.sent, rctx.Request)
	rctx.Response = &payload.Ack{
		MessageID:            rctx.Request.MessageID(),
		DestinationMessageID: fmt.Sprintf("d%d", c.seq),
		Delivered:            time.Now(),
	}
	return nil
}

func (c *fakeTelegram) lastSent() payload.MessagePayload {
	c.mx.Lock()
	defer c.mx.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

type fixture struct {
	channels *memory.Channels
	router   *router.Router
	tg       *fakeTelegram
	bot      *webchat.WebChatBot
	server   *httptest.Server
}

func newFixture(t *testing.T, opts webchat.Options) *fixture {
	t.Helper()
	f := &fixture{
		channels: memory.NewChannels(),
		tg:       &fakeTelegram{},
	}
	messages := memory.NewMessages(f.channels)
	f.router = router.NewRouter(slog.Default(), f.channels, messages).
		Register(f.tg)
	f.bot = webchat.NewWebChatBot(slog.Default(), f.router, f.channels, opts)
	f.server = httptest.NewServer(f.bot)
	t.Cleanup(f.server.Close)

	if _, err := f.channels.HostChannel(ctx, "support_1", "33", "tg:111", "Support"); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) payload.Payload {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	p, err := payload.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return p
}

func writePayload(t *testing.T, conn *websocket.Conn, p payload.Payload) {
	t.Helper()
	data, err := payload.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectJoinsChannel(t *testing.T) {
	f := newFixture(t, webchat.Options{})
	conn := f.dial(t, "?c=support_1&m=abc&n=abc")

	if p := readPayload(t, conn); p.Type() != payload.TypeOK {
		t.Fatalf("first frame = %s; want OK", p.Type())
	}
	member, err := f.channels.FindMember(ctx, "support_1", "abc")
	if err != nil {
		t.Fatalf("member not joined: %v", err)
	}
	if !strings.HasPrefix(member.ConnectionURI, "ws:") {
		t.Errorf("connection uri = %s", member.ConnectionURI)
	}
	// host received the join notice
	notice, ok := f.tg.lastSent().(*payload.Plaintext)
	if !ok || !strings.Contains(notice.Text, "abc joined channel support_1") {
		t.Errorf("host notice = %v", f.tg.lastSent())
	}
}

func TestUnknownChannelRejected(t *testing.T) {
	f := newFixture(t, webchat.Options{})
	conn := f.dial(t, "?c=no_such_channel1&m=abc")

	p := readPayload(t, conn)
	e, ok := p.(*payload.Error)
	if !ok {
		t.Fatalf("frame = %s; want ERR", p.Type())
	}
	if e.Code != http.StatusNotFound {
		t.Errorf("code = %d; want 404", e.Code)
	}
}

func TestTextRoundTrip(t *testing.T) {
	f := newFixture(t, webchat.Options{})
	conn := f.dial(t, "?c=support_1&m=abc&n=abc")
	readPayload(t, conn) // OK

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writePayload(t, conn, payload.NewPlaintext("hello", "m1", created))

	ack, ok := readPayload(t, conn).(*payload.Ack)
	if !ok {
		t.Fatal("expected ACK frame")
	}
	if ack.MessageID != "m1" || ack.DestinationMessageID == "" {
		t.Errorf("ack = %+v", ack)
	}

	sent, ok := f.tg.lastSent().(*payload.Plaintext)
	if !ok || sent.Text != "hello" {
		t.Errorf("host received %v", f.tg.lastSent())
	}
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, webchat.Options{})
	conn := f.dial(t, "")
	readPayload(t, conn) // OK

	writePayload(t, conn, payload.Ping)
	if p := readPayload(t, conn); p.Type() != payload.TypePong {
		t.Errorf("frame = %s; want PONG", p.Type())
	}
}

func TestOutboundDispatch(t *testing.T) {
	f := newFixture(t, webchat.Options{})
	conn := f.dial(t, "?c=support_1&m=abc&n=abc")
	readPayload(t, conn) // OK

	// abc speaks first, becoming the host's floating peer
	writePayload(t, conn, payload.NewPlaintext("hello", "m1", time.Now()))
	readPayload(t, conn) // ACK

	err := f.router.Dispatch(ctx, &router.RoutingContext{
		OriginConnection: "tg:111",
		Request: &payload.Plaintext{
			Text: "hi", ID: "2s", Time: time.Now(), Stat: payload.StatusHost,
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	reply, ok := readPayload(t, conn).(*payload.Plaintext)
	if !ok {
		t.Fatal("expected TXT frame")
	}
	if reply.Text != "hi" || reply.Stat != payload.StatusHost {
		t.Errorf("reply = %+v", reply)
	}
}

func TestUploadRequest(t *testing.T) {
	f := newFixture(t, webchat.Options{
		ObjectStore: &webchat.LocalStore{Base: "https://kite.example/media", Dir: t.TempDir()},
	})
	conn := f.dial(t, "?c=support_1&m=abc&n=abc")
	readPayload(t, conn) // OK

	writePayload(t, conn, &payload.Upload{MessageID: "m2", CanonicalURI: "cat.png"})

	upl, ok := readPayload(t, conn).(*payload.Upload)
	if !ok {
		t.Fatal("expected UPL frame")
	}
	if upl.MessageID != "m2" || upl.UploadURI == "" {
		t.Errorf("upload response = %+v", upl)
	}
	if !strings.HasPrefix(upl.CanonicalURI, "https://kite.example/media/support_1/abc/m2/") {
		t.Errorf("canonical uri = %s", upl.CanonicalURI)
	}
}

func TestCloseLeavesChannel(t *testing.T) {
	f := newFixture(t, webchat.Options{})
	conn := f.dial(t, "?c=support_1&m=abc&n=abc")
	readPayload(t, conn) // OK
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := f.channels.FindMember(ctx, "support_1", "abc")
		if e := errors.FromError(err); e != nil && e.Code == http.StatusNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("member still present after close")
}

func TestLocalStorePutGet(t *testing.T) {
	store := &webchat.LocalStore{Base: "https://kite.example/media", Dir: t.TempDir()}
	server := httptest.NewServer(store)
	defer server.Close()

	target := server.URL + "/support_1/abc/m2/cat.png"
	req, _ := http.NewRequest(http.MethodPut, target, strings.NewReader("content"))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("put status = %d", res.StatusCode)
	}

	res, err = http.Get(target)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", res.StatusCode)
	}

	t.Run("traversal rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, server.URL+"/..%2Fescape", strings.NewReader("x"))
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d; want 400", res.StatusCode)
		}
	})
}
