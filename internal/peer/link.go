package peer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ErrChannelNotOpen is returned when sending on a link whose data channel
// has not reached the open state. File fan-out treats it as "skip this
// peer", never as a call-level failure.
var ErrChannelNotOpen = errors.New("data channel not open")

// ErrNoLink is returned when addressing a peer without a live link.
var ErrNoLink = errors.New("no link for peer")

// LinkState is the lifecycle of one peer link:
// new → negotiating → connected ⇄ unstable → failed → closed.
// Unstable covers transient connectivity loss; a link that does not
// recover within the ICE failure window transitions to failed.
type LinkState int

const (
	StateNew LinkState = iota
	StateNegotiating
	StateConnected
	StateUnstable
	StateFailed
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateUnstable:
		return "unstable"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pliInterval is how often a keyframe request is sent for each remote
// video track while it is being drained.
const pliInterval = 3 * time.Second

// Link pairs one remote participant with its negotiated connection and the
// single ordered data channel riding on it. At most one Link exists per
// peer at any time; the Manager owns the map.
type Link struct {
	peerID  string
	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel

	mu    sync.Mutex
	state LinkState

	done      chan struct{}
	closeOnce sync.Once

	// Remote media counters, maintained by the track drain loops.
	recvPackets atomic.Uint64
	recvBytes   atomic.Uint64
}

func (l *Link) PeerID() string { return l.peerID }

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ChannelOpen reports whether the data channel can carry frames right now.
func (l *Link) ChannelOpen() bool {
	return l.channel != nil && l.channel.ReadyState() == webrtc.DataChannelStateOpen
}

// SendRaw puts one frame on the ordered data channel.
func (l *Link) SendRaw(data []byte) error {
	if !l.ChannelOpen() {
		return ErrChannelNotOpen
	}
	return l.channel.Send(data)
}

// Stats returns how much remote media this link has drained.
func (l *Link) Stats() (packets, bytes uint64) {
	return l.recvPackets.Load(), l.recvBytes.Load()
}

// setState transitions the link, returning false for no-op repeats.
func (l *Link) setState(s LinkState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == s || l.state == StateClosed {
		return false
	}
	l.state = s
	return true
}

// close tears down the pion objects. Safe to call any number of times.
func (l *Link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.state = StateClosed
		l.mu.Unlock()
		if l.channel != nil {
			if err := l.channel.Close(); err != nil {
				log.Debugf("closing data channel to %s: %v", l.peerID, err)
			}
		}
		if err := l.pc.Close(); err != nil {
			log.Debugf("closing connection to %s: %v", l.peerID, err)
		}
	})
}

// drainTrack reads a remote track until it ends, so the interceptor chain
// keeps flowing; video tracks additionally get periodic keyframe requests.
func (l *Link) drainTrack(track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go l.keyframeLoop(track)
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		l.countPacket(pkt)
	}
}

func (l *Link) countPacket(pkt *rtp.Packet) {
	l.recvPackets.Add(1)
	l.recvBytes.Add(uint64(len(pkt.Payload)))
}

// keyframeLoop asks the sender for a fresh keyframe at a fixed cadence, so
// late joiners and recovered links do not wait on the encoder's own
// keyframe interval.
func (l *Link) keyframeLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			err := l.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}
