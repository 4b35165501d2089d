package router_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/micro/micro/v3/service/errors"

	"github.com/pragmasoft-ua/kite-chat/internal/repo/memory"
	"github.com/pragmasoft-ua/kite-chat/payload"
	"github.com/pragmasoft-ua/kite-chat/router"
)

var ctx = context.Background()

// fakeConnector records dispatched requests and acks them with
// sequential destination ids, the way a transport would.
type fakeConnector struct {
	id   string
	seq  int
	sent []payload.MessagePayload
	fail bool
}

func (c *fakeConnector) ID() string { return c.id }

func (c *fakeConnector) Dispatch(ctx context.Context, rctx *router.RoutingContext) error {
	if c.fail {
		return errors.InternalServerError("kite.routing", "routing: %s connector down", c.id)
	}
	c.seq++
	c.sent = append(c.sent, rctx.Request)
	id := rctx.Request.MessageID()
	rctx.Response = &payload.Ack{
		MessageID:            id,
		DestinationMessageID: fmt.Sprintf("d%d", c.seq),
		Delivered:            time.Now(),
	}
	return nil
}

type fixture struct {
	channels *memory.Channels
	messages *memory.Messages
	router   *router.Router
	tg       *fakeConnector
	ws       *fakeConnector
	host     *router.Member
	client   *router.Member
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		channels: memory.NewChannels(),
		tg:       &fakeConnector{id: router.TG},
		ws:       &fakeConnector{id: router.WS},
	}
	f.messages = memory.NewMessages(f.channels)
	f.router = router.NewRouter(slog.Default(), f.channels, f.messages).
		Register(f.tg).
		Register(f.ws)

	if _, err := f.channels.HostChannel(ctx, "support1", "33", "tg:111", "Support"); err != nil {
		t.Fatal(err)
	}
	var err error
	if f.client, err = f.channels.JoinChannel(ctx, "support1", "abc", "ws:s1", "abc"); err != nil {
		t.Fatal(err)
	}
	if f.host, err = f.channels.Find(ctx, "tg:111"); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) dispatch(t *testing.T, rctx *router.RoutingContext) {
	t.Helper()
	if err := f.router.Dispatch(ctx, rctx); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestDispatchClientToHost(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rctx := &router.RoutingContext{
		OriginConnection: "ws:s1",
		Request:          payload.NewPlaintext("hello", "m1", created),
	}
	f.dispatch(t, rctx)

	if rctx.From.ID != "abc" || rctx.To.ID != "33" {
		t.Errorf("resolved %s -> %s; want abc -> 33", rctx.From.ID, rctx.To.ID)
	}
	if rctx.DestinationConnection != "tg:111" {
		t.Errorf("destination = %s; want tg:111", rctx.DestinationConnection)
	}
	if len(f.tg.sent) != 1 {
		t.Fatalf("telegram got %d sends; want 1", len(f.tg.sent))
	}
	if rctx.Response.MessageID != "m1" {
		t.Errorf("ack message id = %s; want m1", rctx.Response.MessageID)
	}

	// WS origin: history is owned by the client under the telegram id
	msg, err := f.messages.Find(ctx, f.client, rctx.Response.DestinationMessageID)
	if err != nil {
		t.Fatalf("history not persisted for client: %v", err)
	}
	if msg.ChannelName != "support1" || msg.MemberID != "abc" {
		t.Errorf("history owner = %s/%s; want support1/abc", msg.ChannelName, msg.MemberID)
	}

	// host's floating peer now points at the sender
	host, _ := f.channels.Find(ctx, "tg:111")
	if host.PeerMemberID != "abc" {
		t.Errorf("host peer = %s; want abc", host.PeerMemberID)
	}
}

// The host's reply without an explicit destination routes back to
// the client that talked last.
func TestDispatchHostReplyRoutesBack(t *testing.T) {
	f := newFixture(t)
	if _, err := f.channels.JoinChannel(ctx, "support1", "xyz", "ws:s2", "xyz"); err != nil {
		t.Fatal(err)
	}

	// xyz speaks last
	f.dispatch(t, &router.RoutingContext{
		OriginConnection: "ws:s1",
		Request:          payload.NewPlaintext("from abc", "a1", time.Now()),
	})
	f.dispatch(t, &router.RoutingContext{
		OriginConnection: "ws:s2",
		Request:          payload.NewPlaintext("from xyz", "x1", time.Now()),
	})

	reply := &router.RoutingContext{
		OriginConnection: "tg:111",
		Request:          &payload.Plaintext{Text: "hi", ID: "2s", Time: time.Now(), Stat: payload.StatusHost},
	}
	f.dispatch(t, reply)

	if reply.To.ID != "xyz" {
		t.Errorf("host reply routed to %s; want xyz", reply.To.ID)
	}
	if reply.DestinationConnection != "ws:s2" {
		t.Errorf("destination = %s; want ws:s2", reply.DestinationConnection)
	}
	// host-authored history lands on the client side, under the id the
	// ws client received
	if _, err := f.messages.Find(ctx, reply.To, "2s"); err != nil {
		t.Errorf("host reply missing from client history: %v", err)
	}
}

func TestDispatchExplicitTo(t *testing.T) {
	f := newFixture(t)
	if _, err := f.channels.JoinChannel(ctx, "support1", "xyz", "ws:s2", "xyz"); err != nil {
		t.Fatal(err)
	}
	// abc talked last; host replies to xyz explicitly (Reply-To override)
	f.dispatch(t, &router.RoutingContext{
		OriginConnection: "ws:s1",
		Request:          payload.NewPlaintext("from abc", "a1", time.Now()),
	})

	xyz, err := f.channels.FindMember(ctx, "support1", "xyz")
	if err != nil {
		t.Fatal(err)
	}
	reply := &router.RoutingContext{
		OriginConnection: "tg:111",
		To:               xyz,
		Request:          &payload.Plaintext{Text: "for xyz", ID: "2t", Time: time.Now(), Stat: payload.StatusHost},
	}
	f.dispatch(t, reply)

	if reply.DestinationConnection != "ws:s2" {
		t.Errorf("override delivered to %s; want ws:s2", reply.DestinationConnection)
	}
	// the explicit destination becomes the host's new floating peer
	host, _ := f.channels.Find(ctx, "tg:111")
	if host.PeerMemberID != "xyz" {
		t.Errorf("host peer = %s; want xyz", host.PeerMemberID)
	}
}

func TestDispatchIdleSkipsSideEffects(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, &router.RoutingContext{
		OriginConnection: "ws:s1",
		Idle:             true,
		Request:          payload.NewPlaintext("replayed", "r1", time.Now()),
	})

	if got, _ := f.messages.FindAll(ctx, &router.MessagesRequest{Member: f.client}); len(got) != 0 {
		t.Errorf("idle dispatch persisted %d records; want 0", len(got))
	}
	host, _ := f.channels.Find(ctx, "tg:111")
	if host.PeerMemberID != "" {
		t.Errorf("idle dispatch moved host peer to %s", host.PeerMemberID)
	}
}

func TestDispatchNoticeSkipsSideEffects(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, &router.RoutingContext{
		OriginConnection: "ws:s1",
		Request:          payload.NewNotice("✅ abc joined channel support1"),
	})

	if len(f.tg.sent) != 1 {
		t.Fatalf("telegram got %d sends; want 1", len(f.tg.sent))
	}
	if got, _ := f.messages.FindAll(ctx, &router.MessagesRequest{Member: f.client}); len(got) != 0 {
		t.Errorf("notice persisted %d records; want 0", len(got))
	}
	// notices leave the floating peer alone
	host, _ := f.channels.Find(ctx, "tg:111")
	if host.PeerMemberID != "" {
		t.Errorf("notice moved host peer to %s", host.PeerMemberID)
	}
}

// A departure notice carries the snapshot of a member the registry no
// longer knows; delivery must still succeed.
func TestDispatchLeaveNoticeAfterDeparture(t *testing.T) {
	f := newFixture(t)

	// abc talks first so the host points at it
	f.dispatch(t, &router.RoutingContext{
		OriginConnection: "ws:s1",
		Request:          payload.NewPlaintext("hello", "m1", time.Now()),
	})

	left, err := f.channels.LeaveChannel(ctx, "ws:s1")
	if err != nil {
		t.Fatal(err)
	}
	f.dispatch(t, &router.RoutingContext{
		OriginConnection: left.ConnectionURI,
		From:             left,
		Request:          payload.NewNotice("✅ abc left channel support1"),
	})

	if len(f.tg.sent) != 2 {
		t.Fatalf("telegram got %d sends; want 2", len(f.tg.sent))
	}
	notice, ok := f.tg.sent[1].(*payload.Plaintext)
	if !ok || notice.ID != payload.NoticeID {
		t.Errorf("second send = %v; want the departure notice", f.tg.sent[1])
	}
}

func TestDispatchErrors(t *testing.T) {
	f := newFixture(t)

	t.Run("unknown origin", func(t *testing.T) {
		err := f.router.Dispatch(ctx, &router.RoutingContext{
			Request: payload.NewPlaintext("hello", "m1", time.Now()),
		})
		if re := errors.FromError(err); re.Code != 500 {
			t.Errorf("code = %d; want 500", re.Code)
		}
	})

	t.Run("unresolved member", func(t *testing.T) {
		err := f.router.Dispatch(ctx, &router.RoutingContext{
			OriginConnection: "ws:nope",
			Request:          payload.NewPlaintext("hello", "m1", time.Now()),
		})
		if re := errors.FromError(err); re.Code != 500 {
			t.Errorf("code = %d; want 500 (routing error)", re.Code)
		}
	})

	t.Run("missing connector", func(t *testing.T) {
		stray := &router.Member{ID: "q", ChannelName: "support1", ConnectionURI: "sms:1"}
		err := f.router.Dispatch(ctx, &router.RoutingContext{
			OriginConnection: "ws:s1",
			To:               stray,
			Request:          payload.NewPlaintext("hello", "m1", time.Now()),
		})
		if re := errors.FromError(err); re.Code != 404 {
			t.Errorf("code = %d; want 404", re.Code)
		}
	})

	t.Run("connector failure persists nothing", func(t *testing.T) {
		f.tg.fail = true
		defer func() { f.tg.fail = false }()
		err := f.router.Dispatch(ctx, &router.RoutingContext{
			OriginConnection: "ws:s1",
			Request:          payload.NewPlaintext("hello", "m9", time.Now()),
		})
		if err == nil {
			t.Fatal("expected connector failure")
		}
		if got, _ := f.messages.FindAll(ctx, &router.MessagesRequest{Member: f.client}); len(got) != 0 {
			t.Errorf("failed dispatch persisted %d records", len(got))
		}
	})
}

func TestConnectionURIParts(t *testing.T) {
	uri := router.ConnectionURI(router.TG, "33")
	if uri != "tg:33" {
		t.Errorf("uri = %s; want tg:33", uri)
	}
	if router.ConnectorID(uri) != "tg" || router.RawConnection(uri) != "33" {
		t.Errorf("parts of %s = %s, %s", uri, router.ConnectorID(uri), router.RawConnection(uri))
	}
	// raw part may itself contain a colon
	if router.RawConnection("ws:sess:1") != "sess:1" {
		t.Error("raw connection must keep embedded separators")
	}
}
