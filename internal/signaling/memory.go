package signaling

import (
	"context"
	"sync"

	"github.com/openmentor/roomcall/internal/proto"
)

// Compile-time interface check.
var _ Bus = (*MemoryBus)(nil)

// MemoryHub is an in-process relay for tests and single-process demos.
// Endpoints attached to the same hub exchange presence and signaling
// without any network, preserving per-pair ordering. It also does the
// room-membership bookkeeping a production relay would do: it answers a
// first announce with the roster of peers already present.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryBus
	rooms     map[proto.Room]map[string]proto.ParticipantInfo
	joinOrder map[proto.Room][]string
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		endpoints: make(map[string]*MemoryBus),
		rooms:     make(map[proto.Room]map[string]proto.ParticipantInfo),
		joinOrder: make(map[proto.Room][]string),
	}
}

// Endpoint creates (or returns) the bus endpoint for the given identity.
func (h *MemoryHub) Endpoint(id string) *MemoryBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.endpoints[id]; ok {
		return b
	}
	b := &MemoryBus{
		hub:       h,
		id:        id,
		listeners: make(map[chan Event]struct{}),
		up:        make(chan struct{}),
	}
	close(b.up) // endpoints start connected
	h.endpoints[id] = b
	return b
}

func (h *MemoryHub) announce(from *MemoryBus, room proto.Room, info proto.ParticipantInfo) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]proto.ParticipantInfo)
		h.rooms[room] = members
	}
	_, rejoin := members[from.id]
	members[from.id] = info
	if !rejoin {
		h.joinOrder[room] = append(h.joinOrder[room], from.id)
	}

	var others []*MemoryBus
	var present []proto.ParticipantInfo
	for _, id := range h.joinOrder[room] {
		if id == from.id {
			continue
		}
		if ep, ok := h.endpoints[id]; ok {
			others = append(others, ep)
		}
		present = append(present, members[id])
	}
	h.mu.Unlock()

	for _, ep := range others {
		ep.deliver(PeerJoined{Room: room, Participant: info})
	}
	// Only a first announce earns the roster reply; flag updates must not
	// retrigger negotiation on the announcing side.
	if !rejoin && len(present) > 0 {
		from.deliver(Roster{Room: room, Participants: present})
	}
}

func (h *MemoryHub) leave(from *MemoryBus, room proto.Room) {
	h.mu.Lock()
	members := h.rooms[room]
	if _, ok := members[from.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(members, from.id)
	order := h.joinOrder[room]
	for i, id := range order {
		if id == from.id {
			h.joinOrder[room] = append(order[:i], order[i+1:]...)
			break
		}
	}
	var others []*MemoryBus
	for id := range members {
		if ep, ok := h.endpoints[id]; ok {
			others = append(others, ep)
		}
	}
	h.mu.Unlock()

	for _, ep := range others {
		ep.deliver(PeerLeft{Room: room, PeerID: from.id})
	}
}

func (h *MemoryHub) send(from *MemoryBus, room proto.Room, peerID string, kind proto.MessageKind, payload []byte) error {
	h.mu.Lock()
	target, ok := h.endpoints[peerID]
	h.mu.Unlock()
	if !ok {
		return ErrBusDown
	}
	target.deliver(Signal{Room: room, From: from.id, Kind: kind, Payload: payload})
	return nil
}

// MemoryBus is one endpoint on a MemoryHub.
type MemoryBus struct {
	hub *MemoryHub
	id  string

	// deliverMu is held across delivery sends and, separately from mu,
	// by anything that closes a listener channel. Delivery blocks for
	// ordering, so it cannot hold mu the whole time without deadlocking
	// against bus calls made by the consumer it is blocked on. Lock
	// order where both are taken: deliverMu, then mu.
	deliverMu sync.Mutex

	mu        sync.Mutex
	listeners map[chan Event]struct{}
	down      bool
	up        chan struct{} // closed while connected
	closed    bool
}

func (b *MemoryBus) SelfID() string { return b.id }

func (b *MemoryBus) AwaitReady(ctx context.Context) error {
	b.mu.Lock()
	up := b.up
	b.mu.Unlock()
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Announce(_ context.Context, room proto.Room, self proto.ParticipantInfo) error {
	if b.isDown() {
		return ErrBusDown
	}
	b.hub.announce(b, room, self)
	return nil
}

func (b *MemoryBus) Leave(_ context.Context, room proto.Room) error {
	if b.isDown() {
		return ErrBusDown
	}
	b.hub.leave(b, room)
	return nil
}

func (b *MemoryBus) SendToPeer(_ context.Context, room proto.Room, peerID string, kind proto.MessageKind, payload []byte) error {
	if b.isDown() {
		return ErrBusDown
	}
	return b.hub.send(b, room, peerID, kind, payload)
}

func (b *MemoryBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.deliverMu.Lock()
		defer b.deliverMu.Unlock()
		b.mu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *MemoryBus) Close() error {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = make(map[chan Event]struct{})
	return nil
}

// SetDown simulates losing the relay connection.
func (b *MemoryBus) SetDown() {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return
	}
	b.down = true
	b.up = make(chan struct{})
	b.mu.Unlock()
	b.deliver(Down{})
}

// SetUp simulates the relay connection coming back.
func (b *MemoryBus) SetUp() {
	b.mu.Lock()
	if !b.down {
		b.mu.Unlock()
		return
	}
	b.down = false
	close(b.up)
	b.mu.Unlock()
	b.deliver(Up{})
}

func (b *MemoryBus) isDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down || b.closed
}

// deliver fans an event out to all subscribers. Sends block rather than
// drop so ordering guarantees hold; subscriber channels are buffered.
// deliverMu keeps cancel and Close from closing a channel while a send
// to it is in flight.
func (b *MemoryBus) deliver(ev Event) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	b.mu.Lock()
	chans := make([]chan Event, 0, len(b.listeners))
	for ch := range b.listeners {
		chans = append(chans, ch)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		ch <- ev
	}
}
