// Package ws streams bus events to WebSocket clients. Clients pick topics
// with SUBSCRIBE/UNSUBSCRIBE; delivery is best-effort and a slow client
// loses its own oldest events, never anyone else's.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"econsim.ai/internal/protocol"
	"econsim.ai/internal/sim/bus"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
	outQueue     = 256
)

type Server struct {
	bus *bus.Bus
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(b *bus.Bus, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		bus: b,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan []byte, outQueue)

		// Writer goroutine; the reader never writes to the socket.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		subs := map[string]bus.SubscriptionID{}
		defer func() {
			for _, id := range subs {
				s.bus.Unsubscribe(id)
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			var req protocol.SubscribeMsg
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			if req.ProtocolVersion != "" && req.ProtocolVersion != protocol.Version {
				continue
			}
			switch req.Type {
			case protocol.TypeSubscribe:
				for _, topic := range req.Topics {
					if topic == "" {
						continue
					}
					if _, ok := subs[topic]; ok {
						continue
					}
					id, ch := s.bus.Subscribe(topic, 0)
					subs[topic] = id
					go s.forward(ctx, ch, out)
				}
			case protocol.TypeUnsubscribe:
				for _, topic := range req.Topics {
					if id, ok := subs[topic]; ok {
						s.bus.Unsubscribe(id)
						delete(subs, topic)
					}
				}
			default:
				continue
			}
			s.ack(ctx, subs, out)
		}
	}
}

// forward copies one subscription's events onto the shared outbound queue
// until the subscription channel closes or the connection ends.
func (s *Server) forward(ctx context.Context, ch <-chan protocol.Event, out chan<- []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(protocol.EventMsg{
				Type:            protocol.TypeEvent,
				ProtocolVersion: protocol.Version,
				Event:           ev,
			})
			if err != nil {
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			default:
				// Outbound queue full; drop this event for this client.
			}
		}
	}
}

func (s *Server) ack(ctx context.Context, subs map[string]bus.SubscriptionID, out chan<- []byte) {
	topics := make([]string, 0, len(subs))
	for t := range subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	b, err := json.Marshal(protocol.SubscribedMsg{
		Type:            protocol.TypeSubscribed,
		ProtocolVersion: protocol.Version,
		Topics:          topics,
	})
	if err != nil {
		return
	}
	select {
	case out <- b:
	case <-ctx.Done():
	}
}
