// Package call is the per-call core: it aggregates presence, mesh links,
// local media and shared files into one observable state, and owns the
// join/leave lifecycle. All state lives on a single event-loop goroutine;
// bus events, connection callbacks and public API calls post onto it, so
// handlers never race and never hold state across a blocking call.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/openmentor/roomcall/internal/filerelay"
	"github.com/openmentor/roomcall/internal/media"
	"github.com/openmentor/roomcall/internal/peer"
	"github.com/openmentor/roomcall/internal/proto"
	"github.com/openmentor/roomcall/internal/signaling"
	"github.com/openmentor/roomcall/internal/util"
)

var log = logging.Logger("call")

var (
	// ErrNotInCall is returned by operations that require a joined call.
	ErrNotInCall = errors.New("not in a call")

	// ErrAlreadyJoined is returned by Join on a coordinator that is
	// already joining or joined.
	ErrAlreadyJoined = errors.New("already in a call")

	// ErrClosed is returned once the coordinator has shut down.
	ErrClosed = errors.New("coordinator closed")
)

// Config holds the per-call parameters.
type Config struct {
	Room proto.Room

	// Self carries display name and role; the user ID is overwritten with
	// the bus identity, which is what remote peers see as the sender.
	Self proto.ParticipantInfo

	// ICEServers overrides the default STUN list for peer links.
	ICEServers []string

	// EagerVideo requests the camera at join instead of deferring it to
	// the first video toggle.
	EagerVideo bool
}

type participantState struct {
	info     proto.ParticipantInfo
	joinedAt time.Time
}

// Coordinator runs one call from join to leave.
type Coordinator struct {
	cfg   Config
	bus   signaling.Bus
	media *media.Pipeline
	peers *peer.Manager
	asm   *filerelay.Assembler

	journal *util.Journal

	cmds      chan func()
	closed    chan struct{}
	closeOnce sync.Once
	busEvents <-chan signaling.Event
	busCancel func()

	// Loop-owned state. Only the run goroutine touches these.
	connecting   bool
	inCall       bool
	self         proto.ParticipantInfo
	participants map[string]*participantState
	order        []string
	files        []filerelay.FileRecord

	watchers map[chan Snapshot]struct{}
	onJoined []func(Participant)
	onLeft   []func(peerID string)
	onFile   []func(filerelay.FileRecord)
	onTrack  []func(peerID string, track *webrtc.TrackRemote)
}

// New wires a coordinator to its bus and capture backend. The coordinator
// is live (its loop runs) but idle until Join.
func New(cfg Config, bus signaling.Bus, capturer media.Capturer) (*Coordinator, error) {
	c := &Coordinator{
		cfg:          cfg,
		bus:          bus,
		media:        media.NewPipeline(capturer),
		asm:          filerelay.NewAssembler(),
		journal:      util.NewJournal(128),
		cmds:         make(chan func(), 256),
		closed:       make(chan struct{}),
		self:         cfg.Self,
		participants: make(map[string]*participantState),
		watchers:     make(map[chan Snapshot]struct{}),
	}
	c.self.UserID = bus.SelfID()

	peers, err := peer.NewManager(peer.Config{
		ICEServers:      cfg.ICEServers,
		ConfigureEngine: capturer.ConfigureEngine,
		Send:            c.sendSignal,
		Hooks: peer.Hooks{
			OnRemoteTrack: func(id string, track *webrtc.TrackRemote) {
				c.post(func() { c.handleRemoteTrack(id, track) })
			},
			OnStateChange: func(id string, s peer.LinkState) {
				c.post(func() { c.handleLinkState(id, s) })
			},
			OnChannelMessage: func(id string, data []byte) {
				c.post(func() { c.handleChannelFrame(id, data) })
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("peer manager: %w", err)
	}
	c.peers = peers

	c.busEvents, c.busCancel = bus.Subscribe()
	go c.run()
	return c, nil
}

// SelfID is the identity remote peers see for the local participant.
func (c *Coordinator) SelfID() string { return c.bus.SelfID() }

// Journal returns recent call events, oldest first.
func (c *Coordinator) Journal() []util.JournalEntry { return c.journal.Recent() }

func (c *Coordinator) run() {
	for {
		select {
		case <-c.closed:
			return
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-c.busEvents:
			if !ok {
				c.busEvents = nil
				continue
			}
			c.handleBus(ev)
		}
	}
}

// post schedules work on the loop without waiting for it; used by
// callbacks arriving on foreign goroutines.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.closed:
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { defer close(done); fn() }:
	case <-c.closed:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// sendSignal carries one negotiation frame out through the bus. Called
// from the loop and from ICE gathering goroutines.
func (c *Coordinator) sendSignal(peerID string, kind proto.MessageKind, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	if err := c.bus.SendToPeer(ctx, c.cfg.Room, peerID, kind, payload); err != nil {
		log.Warnf("sending %s to %s: %v", kind, peerID, err)
		c.journal.Recordf("signal %s to %s failed: %v", kind, peerID, err)
	}
}

// Join enters the room: wait for the bus, acquire media (audio is
// mandatory, video degrades), announce presence. Any failure unwinds to
// the idle state. Negotiation toward peers already in the room starts
// when the roster reply arrives.
func (c *Coordinator) Join(ctx context.Context) error {
	var state error
	if err := c.do(func() {
		if c.inCall || c.connecting {
			state = ErrAlreadyJoined
			return
		}
		c.connecting = true
		c.journal.Recordf("joining %s", c.cfg.Room)
		c.notify()
	}); err != nil {
		return err
	}
	if state != nil {
		return state
	}

	if err := c.joinSteps(ctx); err != nil {
		_ = c.do(func() {
			c.connecting = false
			c.media.Release()
			c.journal.Recordf("join failed: %v", err)
			c.notify()
		})
		return err
	}

	return c.do(func() {
		c.connecting = false
		c.inCall = true
		c.journal.Recordf("joined %s as %s", c.cfg.Room, c.self.UserID)
		c.notify()
	})
}

func (c *Coordinator) joinSteps(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, util.JoinTimeout)
	defer cancel()
	if err := c.bus.AwaitReady(rctx); err != nil {
		return fmt.Errorf("signaling not ready: %w", err)
	}

	if err := c.media.Acquire(c.cfg.EagerVideo, true); err != nil {
		return err
	}
	var info proto.ParticipantInfo
	if err := c.do(func() {
		c.self.AudioEnabled = c.media.AudioEnabled()
		c.self.VideoEnabled = c.media.VideoEnabled()
		info = c.self
	}); err != nil {
		return err
	}

	actx, acancel := context.WithTimeout(ctx, util.SignalTimeout)
	defer acancel()
	if err := c.bus.Announce(actx, c.cfg.Room, info); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// Leave exits the call: links first, then media, then in-flight
// transfers and the roster, and finally the presence withdrawal. Safe to
// call repeatedly and before any join.
func (c *Coordinator) Leave() {
	_ = c.do(c.leaveNow)
}

func (c *Coordinator) leaveNow() {
	if !c.inCall && !c.connecting {
		return
	}
	c.inCall = false
	c.connecting = false

	c.peers.Close()
	c.media.Release()
	c.asm.Reset()
	c.participants = make(map[string]*participantState)
	c.order = nil
	c.files = nil

	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	if err := c.bus.Leave(ctx, c.cfg.Room); err != nil {
		log.Debugf("leave announce: %v", err)
	}
	c.journal.Recordf("left %s", c.cfg.Room)
	c.notify()
}

// Close leaves the call (if any), terminates every snapshot
// subscription, and stops the loop for good.
func (c *Coordinator) Close() {
	c.Leave()
	_ = c.do(func() {
		for ch := range c.watchers {
			close(ch)
		}
		c.watchers = make(map[chan Snapshot]struct{})
	})
	c.closeOnce.Do(func() { close(c.closed) })
	c.busCancel()
}

// ToggleVideo flips the camera. The first enable acquires the track and
// attaches it to every live link; later toggles flip in place without
// renegotiation. The new flag is re-announced to the room.
func (c *Coordinator) ToggleVideo() (bool, error) {
	var enabled bool
	var opErr error
	err := c.do(func() {
		if !c.inCall {
			opErr = ErrNotInCall
			return
		}
		var added media.Track
		enabled, added, opErr = c.media.ToggleVideo()
		if opErr != nil {
			return
		}
		if added != nil {
			c.peers.AddLocalTrack(added.Local())
		}
		c.self.VideoEnabled = enabled
		c.journal.Recordf("video %v", enabled)
		c.announceSelf()
		c.notify()
	})
	if err != nil {
		return false, err
	}
	return enabled, opErr
}

// ToggleAudio flips the microphone mute flag and re-announces it.
func (c *Coordinator) ToggleAudio() (bool, error) {
	var enabled bool
	var opErr error
	err := c.do(func() {
		if !c.inCall {
			opErr = ErrNotInCall
			return
		}
		enabled, opErr = c.media.ToggleAudio()
		if opErr != nil {
			return
		}
		c.self.AudioEnabled = enabled
		c.journal.Recordf("audio %v", enabled)
		c.announceSelf()
		c.notify()
	})
	if err != nil {
		return false, err
	}
	return enabled, opErr
}

// ToggleScreenShare flips the advertised screen-share flag. Capture of
// the screen itself is up to the embedding application; the coordinator
// only propagates the presence flag.
func (c *Coordinator) ToggleScreenShare() (bool, error) {
	var enabled bool
	var opErr error
	err := c.do(func() {
		if !c.inCall {
			opErr = ErrNotInCall
			return
		}
		c.self.ScreenSharing = !c.self.ScreenSharing
		enabled = c.self.ScreenSharing
		c.journal.Recordf("screen share %v", enabled)
		c.announceSelf()
		c.notify()
	})
	if err != nil {
		return false, err
	}
	return enabled, opErr
}

// announceSelf republishes presence with current flags. Loop only.
func (c *Coordinator) announceSelf() {
	ctx, cancel := context.WithTimeout(context.Background(), util.SignalTimeout)
	defer cancel()
	if err := c.bus.Announce(ctx, c.cfg.Room, c.self); err != nil {
		log.Warnf("re-announce: %v", err)
	}
}

// ShareFile publishes a file to the room. The record is stored locally
// before any byte leaves the machine, so the sender can always retrieve
// its own share; fan-out then walks every open data channel, skipping
// peers whose channel is down.
func (c *Coordinator) ShareFile(name, mime string, data []byte) (filerelay.FileRecord, error) {
	var rec filerelay.FileRecord
	var opErr error
	err := c.do(func() {
		if !c.inCall {
			opErr = ErrNotInCall
			return
		}
		rec = filerelay.NewRecord(name, mime, c.self.UserID, data)
		c.files = append(c.files, rec)

		frames, ferr := filerelay.Encode(rec)
		if ferr != nil {
			opErr = ferr
			return
		}
		targets := c.peers.OpenPeers()
		for _, id := range targets {
			if err := c.sendFrames(id, frames); err != nil {
				log.Warnf("file %s fan-out to %s incomplete: %v", rec.ID, id, err)
			}
		}
		c.notifyFileShare(rec)
		c.journal.Recordf("shared %s (%d bytes) to %d peer(s)", rec.Name, rec.Size, len(targets))
		for _, fn := range c.onFile {
			fn(rec)
		}
		c.notify()
	})
	if err != nil {
		return filerelay.FileRecord{}, err
	}
	return rec, opErr
}

func (c *Coordinator) sendFrames(peerID string, frames [][]byte) error {
	for i, f := range frames {
		if err := c.peers.SendTo(peerID, f); err != nil {
			return fmt.Errorf("frame %d/%d: %w", i+1, len(frames), err)
		}
	}
	return nil
}

// notifyFileShare sends the courtesy file-notify signal so peers without
// an open channel still learn a share happened.
func (c *Coordinator) notifyFileShare(rec filerelay.FileRecord) {
	notice, err := json.Marshal(proto.FileNotice{
		FileID:   rec.ID,
		Name:     rec.Name,
		Size:     rec.Size,
		Uploader: rec.Uploader,
	})
	if err != nil {
		return
	}
	for _, id := range c.order {
		go c.sendSignal(id, proto.KindFileNotify, notice)
	}
}

// Snapshot returns the current call state as an immutable copy.
func (c *Coordinator) Snapshot() Snapshot {
	var s Snapshot
	if err := c.do(func() { s = c.snapshot() }); err != nil {
		return Snapshot{Room: c.cfg.Room}
	}
	return s
}

// Subscribe returns a channel receiving a fresh snapshot after every
// state change, plus a cancel func. Slow consumers miss intermediate
// snapshots rather than blocking the call. On a closed coordinator the
// channel comes back already closed, so ranging consumers terminate
// instead of blocking on a channel nothing will ever feed.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	if err := c.do(func() { c.watchers[ch] = struct{}{} }); err != nil {
		close(ch)
		return ch, func() {}
	}
	cancel := func() {
		_ = c.do(func() {
			if _, ok := c.watchers[ch]; ok {
				delete(c.watchers, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// OnParticipantJoined registers a callback run on the loop when a remote
// participant first appears.
func (c *Coordinator) OnParticipantJoined(fn func(Participant)) {
	_ = c.do(func() { c.onJoined = append(c.onJoined, fn) })
}

// OnParticipantLeft registers a callback for departures.
func (c *Coordinator) OnParticipantLeft(fn func(peerID string)) {
	_ = c.do(func() { c.onLeft = append(c.onLeft, fn) })
}

// OnFileShared registers a callback for completed shares, local and
// remote alike.
func (c *Coordinator) OnFileShared(fn func(filerelay.FileRecord)) {
	_ = c.do(func() { c.onFile = append(c.onFile, fn) })
}

// OnRemoteTrack registers a callback for inbound media tracks.
func (c *Coordinator) OnRemoteTrack(fn func(peerID string, track *webrtc.TrackRemote)) {
	_ = c.do(func() { c.onTrack = append(c.onTrack, fn) })
}

// notify pushes the current snapshot to every watcher. Loop only.
func (c *Coordinator) notify() {
	if len(c.watchers) == 0 {
		return
	}
	s := c.snapshot()
	for ch := range c.watchers {
		select {
		case ch <- s:
		default:
			log.Debugf("snapshot watcher lagging, skipping update")
		}
	}
}
