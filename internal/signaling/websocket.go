package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmentor/roomcall/internal/proto"
)

// Compile-time interface check.
var _ Bus = (*WebsocketBus)(nil)

const (
	wsWriteTimeout   = 10 * time.Second
	wsReconnectMin   = time.Second
	wsReconnectMax   = 30 * time.Second
	wsPingInterval   = 25 * time.Second
	wsMaxMessageSize = 1 << 20
)

// wsFrame is the JSON envelope exchanged with a relay server. Outbound
// types: join, leave, signal. Inbound: peer-joined, peer-left, roster,
// signal.
type wsFrame struct {
	Type         string                  `json:"type"`
	Room         string                  `json:"room,omitempty"`
	From         string                  `json:"from,omitempty"`
	To           string                  `json:"to,omitempty"`
	Kind         string                  `json:"kind,omitempty"`
	Payload      json.RawMessage         `json:"payload,omitempty"`
	Participant  *proto.ParticipantInfo  `json:"participant,omitempty"`
	Participants []proto.ParticipantInfo `json:"participants,omitempty"`
}

// WebsocketBus speaks to a relay server over one websocket. The relay does
// the room-membership bookkeeping; this bus only translates frames into
// events and keeps the socket alive. On disconnect it emits Down, retries
// with backoff, and emits Up on reconnect — the consumer owns re-announcing
// presence before any other signaling resumes.
type WebsocketBus struct {
	url    string
	selfID string

	mu        sync.Mutex
	conn      *websocket.Conn
	listeners map[chan Event]struct{}
	ready     chan struct{} // closed while connected
	closed    bool

	// writeMu serializes data writes: gorilla/websocket supports at most
	// one concurrent writer, and SendToPeer is called from the call loop
	// and from ICE gathering goroutines at the same time. The ping loop
	// uses WriteControl, which is safe alongside a data writer.
	writeMu sync.Mutex

	done chan struct{}
}

// NewWebsocketBus dials url (ws:// or wss://) in the background and keeps
// the connection alive until Close. selfID is the identity the relay knows
// this client by; relays that authenticate assign it at the HTTP layer.
func NewWebsocketBus(url, selfID string) *WebsocketBus {
	b := &WebsocketBus{
		url:       url,
		selfID:    selfID,
		listeners: make(map[chan Event]struct{}),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *WebsocketBus) SelfID() string { return b.selfID }

func (b *WebsocketBus) AwaitReady(ctx context.Context) error {
	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-b.done:
		return ErrBusDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *WebsocketBus) Announce(_ context.Context, room proto.Room, self proto.ParticipantInfo) error {
	return b.write(wsFrame{Type: "join", Room: string(room), From: b.selfID, Participant: &self})
}

func (b *WebsocketBus) Leave(_ context.Context, room proto.Room) error {
	return b.write(wsFrame{Type: "leave", Room: string(room), From: b.selfID})
}

// SendToPeer forwards a directed signaling message. Payloads on this bus
// are always JSON (SDP blobs, candidate inits, file notices), so they ride
// in the frame untouched.
func (b *WebsocketBus) SendToPeer(_ context.Context, room proto.Room, peerID string, kind proto.MessageKind, payload []byte) error {
	return b.write(wsFrame{
		Type:    "signal",
		Room:    string(room),
		From:    b.selfID,
		To:      peerID,
		Kind:    string(kind),
		Payload: json.RawMessage(payload),
	})
}

func (b *WebsocketBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *WebsocketBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	conn := b.conn
	b.conn = nil
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = make(map[chan Event]struct{})
	b.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// run dials and re-dials the relay until Close.
func (b *WebsocketBus) run() {
	backoff := wsReconnectMin
	for {
		select {
		case <-b.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
		if err != nil {
			log.Warnf("relay dial %s failed: %v (retrying in %s)", b.url, err, backoff)
			select {
			case <-time.After(backoff):
			case <-b.done:
				return
			}
			if backoff *= 2; backoff > wsReconnectMax {
				backoff = wsReconnectMax
			}
			continue
		}
		backoff = wsReconnectMin
		conn.SetReadLimit(wsMaxMessageSize)

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.conn = conn
		close(b.ready)
		b.mu.Unlock()

		log.Infof("connected to relay %s", b.url)
		b.deliver(Up{})

		pingStop := make(chan struct{})
		go b.pingLoop(conn, pingStop)
		b.readLoop(conn)
		close(pingStop)

		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
			b.ready = make(chan struct{})
		}
		closed := b.closed
		b.mu.Unlock()
		conn.Close()

		if closed {
			return
		}
		log.Warnf("relay connection lost")
		b.deliver(Down{})
	}
}

func (b *WebsocketBus) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		case <-b.done:
			return
		}
	}
}

func (b *WebsocketBus) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("undecodable relay frame: %v", err)
			continue
		}
		b.route(f)
	}
}

func (b *WebsocketBus) route(f wsFrame) {
	room := proto.Room(f.Room)
	switch f.Type {
	case "peer-joined":
		if f.Participant == nil {
			log.Warnf("peer-joined frame without participant")
			return
		}
		b.deliver(PeerJoined{Room: room, Participant: *f.Participant})
	case "peer-left":
		b.deliver(PeerLeft{Room: room, PeerID: f.From})
	case "roster":
		b.deliver(Roster{Room: room, Participants: f.Participants})
	case "signal":
		b.deliver(Signal{Room: room, From: f.From, Kind: proto.MessageKind(f.Kind), Payload: f.Payload})
	default:
		log.Warnf("unknown relay frame type %q", f.Type)
	}
}

func (b *WebsocketBus) write(f wsFrame) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrBusDown
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal relay frame: %w", err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to relay: %w", err)
	}
	return nil
}

// deliver fans an event out while holding the mutex, so a concurrent
// cancel cannot close a channel mid-delivery.
func (b *WebsocketBus) deliver(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners {
		select {
		case ch <- ev:
		default:
			log.Warnf("dropping bus event for slow subscriber")
		}
	}
}
