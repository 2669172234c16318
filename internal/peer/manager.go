// Package peer maintains one WebRTC link per remote participant: the
// mesh topology, trickle-ICE negotiation and the single ordered data
// channel that file transfer rides on. Signaling frames go out through a
// caller-supplied send function; inbound frames are handed to AcceptOffer,
// AcceptAnswer and AcceptCandidate.
package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/openmentor/roomcall/internal/proto"
)

var log = logging.Logger("peer")

// defaultSTUN keeps the mesh working across NAT when no servers are
// configured.
var defaultSTUN = []string{"stun:stun.l.google.com:19302"}

// ICE liveness tuning. Disconnected links get a long grace period before
// they are declared failed, so transient network blips recover instead of
// tearing the call down.
const (
	iceDisconnectTimeout = 30 * time.Second
	iceFailedTimeout     = 120 * time.Second
	iceKeepalive         = 2 * time.Second
)

// SendFunc carries one signaling frame to a specific peer. The payload is
// the JSON-encoded session description or ICE candidate.
type SendFunc func(peerID string, kind proto.MessageKind, payload []byte)

// Hooks are the Manager's upcalls. They fire on pion goroutines; the
// caller is responsible for marshaling them onto its own loop.
type Hooks struct {
	// OnRemoteTrack fires when a remote participant's media track arrives.
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote)

	// OnStateChange fires on every link state transition, including the
	// terminal ones the caller reacts to (failed, closed).
	OnStateChange func(peerID string, state LinkState)

	// OnChannelMessage fires per received data-channel frame.
	OnChannelMessage func(peerID string, data []byte)
}

// Config wires a Manager into its surroundings.
type Config struct {
	// ICEServers overrides the default STUN server list.
	ICEServers []string

	// ConfigureEngine registers the codecs the local capturer produces.
	// Nil means pion's default codec set.
	ConfigureEngine func(*webrtc.MediaEngine) error

	Send  SendFunc
	Hooks Hooks
}

// Manager owns the link-per-peer map. All public methods are safe for
// concurrent use.
type Manager struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	send       SendFunc
	hooks      Hooks

	mu    sync.Mutex
	links map[string]*Link
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Send == nil {
		return nil, fmt.Errorf("peer manager needs a send function")
	}

	engine := &webrtc.MediaEngine{}
	if cfg.ConfigureEngine != nil {
		if err := cfg.ConfigureEngine(engine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(iceDisconnectTimeout, iceFailedTimeout, iceKeepalive)

	urls := cfg.ICEServers
	if len(urls) == 0 {
		urls = defaultSTUN
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	return &Manager{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(engine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		iceServers: servers,
		send:       cfg.Send,
		hooks:      cfg.Hooks,
		links:      make(map[string]*Link),
	}, nil
}

// CreateLink builds the connection and data channel for a peer, attaching
// the given local tracks. If a link already exists it is returned
// unchanged, preserving the one-link-per-peer invariant.
func (m *Manager) CreateLink(peerID string, tracks []webrtc.TrackLocal) (*Link, error) {
	m.mu.Lock()
	if l, ok := m.links[peerID]; ok {
		m.mu.Unlock()
		log.Debugf("link to %s already exists, reusing", peerID)
		return l, nil
	}
	m.mu.Unlock()

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new connection for %s: %w", peerID, err)
	}

	link := &Link{
		peerID: peerID,
		pc:     pc,
		state:  StateNew,
		done:   make(chan struct{}),
	}

	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track for %s: %w", peerID, err)
		}
	}

	// Both sides declare the channel out of band, so it needs no in-band
	// negotiation and exists exactly once per link.
	ordered := true
	negotiated := true
	var chanID uint16
	dc, err := pc.CreateDataChannel("file", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &chanID,
	})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel for %s: %w", peerID, err)
	}
	link.channel = dc

	dc.OnOpen(func() {
		log.Debugf("data channel to %s open", peerID)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.hooks.OnChannelMessage != nil {
			m.hooks.OnChannelMessage(peerID, msg.Data)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Errorf("encoding candidate for %s: %v", peerID, err)
			return
		}
		m.send(peerID, proto.KindICECandidate, payload)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("remote %s track from %s", track.Kind(), peerID)
		if m.hooks.OnRemoteTrack != nil {
			m.hooks.OnRemoteTrack(peerID, track)
		}
		go link.drainTrack(track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.onConnectionState(link, s)
	})

	m.mu.Lock()
	if existing, ok := m.links[peerID]; ok {
		// Lost the race against a concurrent create; keep the first.
		m.mu.Unlock()
		link.close()
		return existing, nil
	}
	m.links[peerID] = link
	m.mu.Unlock()

	log.Infof("link to %s created", peerID)
	return link, nil
}

func (m *Manager) onConnectionState(link *Link, s webrtc.PeerConnectionState) {
	var next LinkState
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		next = StateNegotiating
	case webrtc.PeerConnectionStateConnected:
		next = StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		// Recoverable; ICE keeps retrying until the failed timeout.
		next = StateUnstable
	case webrtc.PeerConnectionStateFailed:
		next = StateFailed
	case webrtc.PeerConnectionStateClosed:
		next = StateClosed
	default:
		return
	}
	if !link.setState(next) {
		return
	}
	log.Debugf("link to %s now %s", link.peerID, next)
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(link.peerID, next)
	}
}

// Initiate sends an offer to the peer. Used for the initial handshake
// when the local side is the designated initiator, and again for
// renegotiation after a late track addition.
func (m *Manager) Initiate(peerID string) error {
	link, ok := m.get(peerID)
	if !ok {
		return fmt.Errorf("initiate %s: %w", peerID, ErrNoLink)
	}
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", peerID, err)
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer for %s: %w", peerID, err)
	}
	link.setState(StateNegotiating)
	m.send(peerID, proto.KindOffer, payload)
	return nil
}

// AcceptOffer handles a remote offer, creating the link first when none
// exists (the non-initiating side's entry point). The answer goes back
// through the send function.
func (m *Manager) AcceptOffer(peerID string, payload []byte, tracks []webrtc.TrackLocal) error {
	link, ok := m.get(peerID)
	if !ok {
		var err error
		link, err = m.CreateLink(peerID, tracks)
		if err != nil {
			return err
		}
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("decode offer from %s: %w", peerID, err)
	}
	if err := link.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("apply offer from %s: %w", peerID, err)
	}
	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", peerID, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", peerID, err)
	}
	out, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer for %s: %w", peerID, err)
	}
	link.setState(StateNegotiating)
	m.send(peerID, proto.KindAnswer, out)
	return nil
}

// AcceptAnswer applies a remote answer. An answer for an unknown peer is
// stale signaling (the link was torn down in the meantime) and is dropped.
func (m *Manager) AcceptAnswer(peerID string, payload []byte) error {
	link, ok := m.get(peerID)
	if !ok {
		log.Debugf("answer from %s without a link, dropping", peerID)
		return nil
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("decode answer from %s: %w", peerID, err)
	}
	if err := link.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("apply answer from %s: %w", peerID, err)
	}
	return nil
}

// AcceptCandidate applies a trickled ICE candidate. Candidates for unknown
// peers are dropped the same way stale answers are.
func (m *Manager) AcceptCandidate(peerID string, payload []byte) error {
	link, ok := m.get(peerID)
	if !ok {
		log.Debugf("candidate from %s without a link, dropping", peerID)
		return nil
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("decode candidate from %s: %w", peerID, err)
	}
	if err := link.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("apply candidate from %s: %w", peerID, err)
	}
	return nil
}

// AddLocalTrack attaches a late-acquired track (first video toggle) to
// every live link and re-offers where the link is in a stable signaling
// state. Links mid-handshake pick the track up on their next negotiation.
func (m *Manager) AddLocalTrack(track webrtc.TrackLocal) {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		if _, err := l.pc.AddTrack(track); err != nil {
			log.Errorf("adding track to link %s: %v", l.peerID, err)
			continue
		}
		if l.pc.SignalingState() != webrtc.SignalingStateStable {
			log.Debugf("link %s mid-negotiation, deferring re-offer", l.peerID)
			continue
		}
		if err := m.Initiate(l.peerID); err != nil {
			log.Errorf("renegotiating link %s: %v", l.peerID, err)
		}
	}
}

// SendTo puts one data-channel frame on the link to a peer.
func (m *Manager) SendTo(peerID string, data []byte) error {
	link, ok := m.get(peerID)
	if !ok {
		return fmt.Errorf("send to %s: %w", peerID, ErrNoLink)
	}
	return link.SendRaw(data)
}

// OpenPeers lists the peers whose data channel is currently open, i.e.
// the fan-out set for a file share.
func (m *Manager) OpenPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, l := range m.links {
		if l.ChannelOpen() {
			out = append(out, id)
		}
	}
	return out
}

// Has reports whether a link to the peer exists.
func (m *Manager) Has(peerID string) bool {
	_, ok := m.get(peerID)
	return ok
}

// Count returns the number of live links.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// States snapshots every link's current state.
func (m *Manager) States() map[string]LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]LinkState, len(m.links))
	for id, l := range m.links {
		out[id] = l.State()
	}
	return out
}

// CloseLink tears down the link to one peer. Closing an unknown peer is a
// no-op, so departure races resolve harmlessly.
func (m *Manager) CloseLink(peerID string) {
	m.mu.Lock()
	link, ok := m.links[peerID]
	if ok {
		delete(m.links, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	link.close()
	log.Infof("link to %s closed", peerID)
}

// Close tears down every link. Used on leave; the Manager itself stays
// reusable for a subsequent join.
func (m *Manager) Close() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.mu.Unlock()
	for _, l := range links {
		l.close()
	}
}

func (m *Manager) get(peerID string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[peerID]
	return l, ok
}
