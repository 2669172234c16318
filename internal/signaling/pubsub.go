package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/openmentor/roomcall/internal/proto"
	"github.com/openmentor/roomcall/internal/util"
)

var log = logging.Logger("signaling")

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Compile-time interface check.
var _ Bus = (*PubsubBus)(nil)

// PubsubOptions configures the libp2p-backed bus.
type PubsubOptions struct {
	// ListenPort is the TCP port the libp2p host listens on. 0 picks one.
	ListenPort int

	// KeyFile is where the persistent Ed25519 identity lives. Empty means
	// an ephemeral identity.
	KeyFile string

	// MdnsTag enables LAN peer discovery when non-empty.
	MdnsTag string
}

// roomSub is one joined room topic and its reader.
type roomSub struct {
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	cancelRdr context.CancelFunc

	// self is set once the local actor has announced; present replies to
	// newcomers are only sent while announced.
	self *proto.ParticipantInfo
}

// PubsubBus carries presence and signaling over gossipsub room topics.
// Every message in a room travels on that room's topic; directed messages
// carry a To field and are ignored by everyone else. A newcomer's online
// announce is answered by each member with a directed present reply, which
// surfaces on the newcomer's side as roster entries.
type PubsubBus struct {
	host   host.Host
	ps     *pubsub.PubSub
	selfID string

	mu        sync.Mutex
	rooms     map[proto.Room]*roomSub
	listeners map[chan Event]struct{}
	closed    bool
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// NewPubsubBus starts a libp2p host and attaches gossipsub to it.
func NewPubsubBus(ctx context.Context, opts PubsubOptions) (*PubsubBus, error) {
	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
		libp2p.NATPortMap(),
	}
	if opts.KeyFile != "" {
		priv, isNew, err := loadOrCreateKey(opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("identity key: %w", err)
		}
		if isNew {
			log.Infof("generated new identity key: %s", opts.KeyFile)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	if opts.MdnsTag != "" {
		svc := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := svc.Start(); err != nil {
			log.Warnf("mdns discovery unavailable: %v", err)
		}
	}

	for _, addr := range h.Addrs() {
		full := addr.Encapsulate(ma.StringCast("/p2p/" + h.ID().String()))
		log.Infof("listening on %s", full)
	}

	return &PubsubBus{
		host:      h,
		ps:        ps,
		selfID:    h.ID().String(),
		rooms:     make(map[proto.Room]*roomSub),
		listeners: make(map[chan Event]struct{}),
	}, nil
}

func (b *PubsubBus) SelfID() string { return b.selfID }

// AwaitReady is immediate: the host is up once the bus exists, and libp2p
// re-dials peers on its own after transient outages.
func (b *PubsubBus) AwaitReady(ctx context.Context) error {
	return ctx.Err()
}

func (b *PubsubBus) Announce(ctx context.Context, room proto.Room, self proto.ParticipantInfo) error {
	rs, err := b.joinRoom(room)
	if err != nil {
		return err
	}

	b.mu.Lock()
	msgType := proto.PresenceOnline
	if rs.self != nil {
		msgType = proto.PresenceUpdate
	}
	cp := self
	rs.self = &cp
	b.mu.Unlock()

	return b.publish(ctx, rs, proto.Envelope{
		From:     b.selfID,
		Presence: &proto.PresenceMsg{Type: msgType, Participant: self},
		TS:       proto.NowMillis(),
	})
}

func (b *PubsubBus) Leave(ctx context.Context, room proto.Room) error {
	b.mu.Lock()
	rs, ok := b.rooms[room]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.rooms, room)
	self := rs.self
	b.mu.Unlock()

	if self != nil {
		err := b.publish(ctx, rs, proto.Envelope{
			From:     b.selfID,
			Presence: &proto.PresenceMsg{Type: proto.PresenceOffline, Participant: *self},
			TS:       proto.NowMillis(),
		})
		if err != nil {
			log.Warnf("offline announce for %s failed: %v", room, err)
		}
	}

	rs.cancelRdr()
	rs.sub.Cancel()
	if err := rs.topic.Close(); err != nil {
		log.Debugf("closing topic %s: %v", room.Topic(), err)
	}
	return nil
}

func (b *PubsubBus) SendToPeer(ctx context.Context, room proto.Room, peerID string, kind proto.MessageKind, payload []byte) error {
	b.mu.Lock()
	rs, ok := b.rooms[room]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("not joined to room %s", room)
	}
	return b.publish(ctx, rs, proto.Envelope{
		From:   b.selfID,
		To:     peerID,
		Signal: &proto.SignalPayload{Kind: kind, Data: payload},
		TS:     proto.NowMillis(),
	})
}

func (b *PubsubBus) Subscribe() (<-chan Event, func()) {
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

func (b *PubsubBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	rooms := b.rooms
	b.rooms = make(map[proto.Room]*roomSub)
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = make(map[chan Event]struct{})
	b.mu.Unlock()

	for _, rs := range rooms {
		rs.cancelRdr()
		rs.sub.Cancel()
		_ = rs.topic.Close()
	}
	return b.host.Close()
}

func (b *PubsubBus) joinRoom(room proto.Room) (*roomSub, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rs, ok := b.rooms[room]; ok {
		return rs, nil
	}

	topic, err := b.ps.Join(room.Topic())
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", room.Topic(), err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("subscribe topic %s: %w", room.Topic(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs := &roomSub{topic: topic, sub: sub, cancelRdr: cancel}
	b.rooms[room] = rs
	go b.readLoop(ctx, room, rs)
	return rs, nil
}

func (b *PubsubBus) publish(ctx context.Context, rs *roomSub, env proto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return rs.topic.Publish(ctx, data)
}

// readLoop decodes room topic traffic into bus events.
func (b *PubsubBus) readLoop(ctx context.Context, room proto.Room, rs *roomSub) {
	for {
		msg, err := rs.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom.String() == b.selfID {
			continue
		}
		var env proto.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warnf("undecodable envelope on %s: %v", room.Topic(), err)
			continue
		}
		if env.From == b.selfID {
			continue
		}
		if env.To != "" && env.To != b.selfID {
			continue
		}
		b.route(ctx, room, rs, env)
	}
}

func (b *PubsubBus) route(ctx context.Context, room proto.Room, rs *roomSub, env proto.Envelope) {
	switch {
	case env.Presence != nil:
		p := env.Presence
		// The sender's libp2p identity is authoritative; a presence body
		// claiming another userId is overridden, not trusted.
		p.Participant.UserID = env.From
		switch p.Type {
		case proto.PresenceOnline:
			b.deliver(PeerJoined{Room: room, Participant: p.Participant})
			b.replyPresent(ctx, room, rs, env.From)
		case proto.PresenceUpdate:
			b.deliver(PeerJoined{Room: room, Participant: p.Participant})
		case proto.PresencePresent:
			b.deliver(Roster{Room: room, Participants: []proto.ParticipantInfo{p.Participant}})
		case proto.PresenceOffline:
			b.deliver(PeerLeft{Room: room, PeerID: env.From})
		default:
			log.Warnf("unknown presence type %q from %s", p.Type, env.From)
		}
	case env.Signal != nil:
		b.deliver(Signal{Room: room, From: env.From, Kind: env.Signal.Kind, Payload: env.Signal.Data})
	default:
		log.Warnf("empty envelope from %s on %s", env.From, room.Topic())
	}
}

// replyPresent answers a newcomer's online announce with a directed
// present message, so the newcomer learns who was already here and can
// initiate toward them.
func (b *PubsubBus) replyPresent(ctx context.Context, room proto.Room, rs *roomSub, to string) {
	b.mu.Lock()
	self := rs.self
	b.mu.Unlock()
	if self == nil {
		return // not announced here ourselves, nothing to claim
	}
	err := b.publish(ctx, rs, proto.Envelope{
		From:     b.selfID,
		To:       to,
		Presence: &proto.PresenceMsg{Type: proto.PresencePresent, Participant: *self},
		TS:       proto.NowMillis(),
	})
	if err != nil {
		log.Warnf("present reply to %s failed: %v", to, err)
	}
}

// deliver fans an event out while holding the mutex, so a concurrent
// cancel cannot close a channel mid-delivery.
func (b *PubsubBus) deliver(ev Event) {
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
