package main

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, baseURL string, ck *http.Cookie) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	header := http.Header{"Cookie": []string{ck.Name + "=" + ck.Value}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial ws: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wsOutbound {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out wsOutbound
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read ws frame: %v", err)
	}
	return out
}

func TestWSSubscribeAndReceive(t *testing.T) {
	f := newChatFixture(t)

	conn := dialWS(t, f.baseURL, f.memberCk)
	if err := conn.WriteJSON(wsInbound{Type: "subscribe", Channel: f.chanID}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	waitForSubscribers(t, f.state.topics.get(f.chanID), 1)

	f.do(t, f.ownerCk, http.MethodPost, "/chat/send",
		fmt.Sprintf(`{"channel":"%s","message":"over the wire"}`, f.chanID), http.StatusOK)

	out := readWS(t, conn)
	if out.Type != "message" || out.Content != "over the wire" || out.Author != "alice" {
		t.Errorf("got frame %+v, want message %q from alice", out, "over the wire")
	}
	if out.Channel != f.chanID {
		t.Errorf("frame channel = %s, want %s", out.Channel, f.chanID)
	}
}

func TestWSSendFansOutToEventStream(t *testing.T) {
	f := newChatFixture(t)

	events := f.openStream(t, f.ownerCk)
	conn := dialWS(t, f.baseURL, f.memberCk)

	if err := conn.WriteJSON(wsInbound{Type: "send", Channel: f.chanID, Content: "from the socket"}); err != nil {
		t.Fatalf("write send: %v", err)
	}

	expectEvent(t, events, "message/from the socket")
}

func TestWSSubscribeForbiddenForNonMember(t *testing.T) {
	f := newChatFixture(t)

	conn := dialWS(t, f.baseURL, f.strangCk)
	if err := conn.WriteJSON(wsInbound{Type: "subscribe", Channel: f.chanID}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	out := readWS(t, conn)
	if out.Type != "error" || out.Code != "forbidden" {
		t.Errorf("got frame %+v, want forbidden error", out)
	}
}

func TestWSUnknownChannel(t *testing.T) {
	f := newChatFixture(t)

	conn := dialWS(t, f.baseURL, f.memberCk)
	if err := conn.WriteJSON(wsInbound{Type: "subscribe", Channel: uuid.New()}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	out := readWS(t, conn)
	if out.Type != "error" || out.Code != "not_found" {
		t.Errorf("got frame %+v, want not_found error", out)
	}
}

func TestWSRejectsAnonymousUpgrade(t *testing.T) {
	f := newChatFixture(t)

	url := "ws" + strings.TrimPrefix(f.baseURL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("anonymous upgrade succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("got resp %v, want 401", resp)
	}
}

func TestWSChannelDeletionNotifiesSubscriber(t *testing.T) {
	f := newChatFixture(t)

	conn := dialWS(t, f.baseURL, f.memberCk)
	if err := conn.WriteJSON(wsInbound{Type: "subscribe", Channel: f.chanID}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	waitForSubscribers(t, f.state.topics.get(f.chanID), 1)

	f.do(t, f.ownerCk, http.MethodPost, "/server/channel/delete",
		fmt.Sprintf(`{"channel_id":"%s"}`, f.chanID), http.StatusOK)

	out := readWS(t, conn)
	if out.Type != "unsubscribed" || out.Channel != f.chanID {
		t.Errorf("got frame %+v, want unsubscribed for %s", out, f.chanID)
	}
}
