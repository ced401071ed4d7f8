package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"econsim.ai/internal/protocol"
	"econsim.ai/internal/sim/bus"
)

func dialTestServer(t *testing.T, b *bus.Bus) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewServer(b, nil).Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return v
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSubscribeAndReceive(t *testing.T) {
	b := bus.New(16)
	conn := dialTestServer(t, b)

	send(t, conn, protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		Topics:          []string{protocol.EventMarketIndicators},
	})
	ack := readMsg[protocol.SubscribedMsg](t, conn)
	if ack.Type != protocol.TypeSubscribed {
		t.Fatalf("ack type = %s", ack.Type)
	}
	if len(ack.Topics) != 1 || ack.Topics[0] != protocol.EventMarketIndicators {
		t.Fatalf("ack topics = %v", ack.Topics)
	}

	b.Publish(protocol.Event{
		Type:    protocol.EventMarketIndicators,
		Tick:    12,
		Payload: map[string]any{"inflation": 0.021},
	})
	msg := readMsg[protocol.EventMsg](t, conn)
	if msg.Type != protocol.TypeEvent || msg.ProtocolVersion != protocol.Version {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Event.Type != protocol.EventMarketIndicators || msg.Event.Tick != 12 {
		t.Fatalf("event = %+v", msg.Event)
	}
}

func TestTopicFiltering(t *testing.T) {
	b := bus.New(16)
	conn := dialTestServer(t, b)

	send(t, conn, protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		Topics:          []string{protocol.EventFirmBankrupt},
	})
	readMsg[protocol.SubscribedMsg](t, conn)

	b.Publish(protocol.Event{Type: protocol.EventPersonHired, Tick: 1})
	b.Publish(protocol.Event{Type: protocol.EventFirmBankrupt, ActorID: "firm:3", Tick: 2})

	msg := readMsg[protocol.EventMsg](t, conn)
	if msg.Event.Type != protocol.EventFirmBankrupt {
		t.Fatalf("received unsubscribed event %s", msg.Event.Type)
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := bus.New(16)
	conn := dialTestServer(t, b)

	send(t, conn, protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		Topics:          []string{bus.TopicAll},
	})
	readMsg[protocol.SubscribedMsg](t, conn)

	b.Publish(protocol.Event{Type: protocol.EventPersonHired, Tick: 1})
	msg := readMsg[protocol.EventMsg](t, conn)
	if msg.Event.Type != protocol.EventPersonHired {
		t.Fatalf("event = %+v", msg.Event)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := bus.New(16)
	conn := dialTestServer(t, b)

	send(t, conn, protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		Topics:          []string{protocol.EventPersonHired, protocol.EventPersonDied},
	})
	ack := readMsg[protocol.SubscribedMsg](t, conn)
	if len(ack.Topics) != 2 {
		t.Fatalf("ack topics = %v", ack.Topics)
	}

	send(t, conn, protocol.SubscribeMsg{
		Type:            protocol.TypeUnsubscribe,
		ProtocolVersion: protocol.Version,
		Topics:          []string{protocol.EventPersonDied},
	})
	ack = readMsg[protocol.SubscribedMsg](t, conn)
	if len(ack.Topics) != 1 || ack.Topics[0] != protocol.EventPersonHired {
		t.Fatalf("ack topics after unsubscribe = %v", ack.Topics)
	}

	b.Publish(protocol.Event{Type: protocol.EventPersonDied, Tick: 9})
	b.Publish(protocol.Event{Type: protocol.EventPersonHired, Tick: 10})
	msg := readMsg[protocol.EventMsg](t, conn)
	if msg.Event.Type != protocol.EventPersonHired {
		t.Fatalf("received event on dropped topic: %+v", msg.Event)
	}
}
