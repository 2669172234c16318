package call

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openmentor/roomcall/internal/peer"
	"github.com/openmentor/roomcall/internal/proto"
	"github.com/openmentor/roomcall/internal/signaling"
)

// active reports whether room events should still be acted on. Events
// buffered before a leave can surface after it; acting on them would
// repopulate the roster or start negotiation for a call the local actor
// has already left.
func (c *Coordinator) active() bool {
	return c.inCall || c.connecting
}

// handleBus is the single switch over everything the signaling bus can
// report. Loop only.
func (c *Coordinator) handleBus(ev signaling.Event) {
	switch ev := ev.(type) {
	case signaling.PeerJoined:
		if ev.Room != c.cfg.Room || !c.active() {
			return
		}
		c.handlePeerJoined(ev.Participant)

	case signaling.Roster:
		if ev.Room != c.cfg.Room || !c.active() {
			return
		}
		c.handleRoster(ev.Participants)

	case signaling.PeerLeft:
		if ev.Room != c.cfg.Room || !c.active() {
			return
		}
		c.teardownPeer(ev.PeerID, "left the room")

	case signaling.Signal:
		if ev.Room != c.cfg.Room || !c.active() {
			return
		}
		c.handleSignal(ev)

	case signaling.Down:
		c.journal.Recordf("signaling lost")
		if c.inCall || c.connecting {
			// Without signaling no membership change or negotiation can be
			// observed; the only consistent state is out of the call.
			log.Warnf("signaling lost mid-call, leaving %s", c.cfg.Room)
			c.leaveNow()
		}

	case signaling.Up:
		c.journal.Recordf("signaling restored")
		if c.inCall {
			c.announceSelf()
		}
	}
}

// handlePeerJoined upserts a participant announced on the bus. A new
// participant does not get a link yet: the tie-break rule says the side
// that received the roster initiates, so the local side waits for their
// offer.
func (c *Coordinator) handlePeerJoined(info proto.ParticipantInfo) {
	if info.UserID == c.self.UserID {
		return
	}
	st, ok := c.participants[info.UserID]
	if ok {
		st.info = info
		c.notify()
		return
	}
	st = &participantState{info: info, joinedAt: time.Now()}
	c.participants[info.UserID] = st
	c.order = append(c.order, info.UserID)
	c.journal.Recordf("%s (%s) joined", info.DisplayName, info.UserID)
	for _, fn := range c.onJoined {
		fn(Participant{ParticipantInfo: info, JoinedAt: st.joinedAt, Link: peer.StateNew})
	}
	c.notify()
}

// handleRoster reacts to the peers that were already in the room when we
// announced: record each and initiate negotiation toward it.
func (c *Coordinator) handleRoster(infos []proto.ParticipantInfo) {
	for _, info := range infos {
		if info.UserID == c.self.UserID {
			continue
		}
		c.handlePeerJoined(info)
		if c.peers.Has(info.UserID) {
			continue
		}
		if _, err := c.peers.CreateLink(info.UserID, c.media.LocalTracks()); err != nil {
			log.Errorf("link to %s: %v", info.UserID, err)
			continue
		}
		if err := c.peers.Initiate(info.UserID); err != nil {
			log.Errorf("offer to %s: %v", info.UserID, err)
		}
	}
}

func (c *Coordinator) handleSignal(ev signaling.Signal) {
	var err error
	switch ev.Kind {
	case proto.KindOffer:
		err = c.peers.AcceptOffer(ev.From, ev.Payload, c.media.LocalTracks())
	case proto.KindAnswer:
		err = c.peers.AcceptAnswer(ev.From, ev.Payload)
	case proto.KindICECandidate:
		err = c.peers.AcceptCandidate(ev.From, ev.Payload)
	case proto.KindFileNotify:
		var notice proto.FileNotice
		if jerr := json.Unmarshal(ev.Payload, &notice); jerr == nil {
			c.journal.Recordf("%s is sharing %s (%d bytes)", notice.Uploader, notice.Name, notice.Size)
		}
	default:
		log.Debugf("ignoring signal kind %q from %s", ev.Kind, ev.From)
	}
	if err != nil {
		log.Errorf("handling %s from %s: %v", ev.Kind, ev.From, err)
		c.journal.Recordf("negotiation with %s failed: %v", ev.From, err)
	}
}

// teardownPeer removes a participant and its link. Repeats and unknown
// peers are no-ops, so departure notices, link failures and local leave
// can overlap freely.
func (c *Coordinator) teardownPeer(peerID, reason string) {
	c.peers.CloseLink(peerID)
	st, ok := c.participants[peerID]
	if !ok {
		return
	}
	delete(c.participants, peerID)
	for i, id := range c.order {
		if id == peerID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.journal.Recordf("%s (%s) removed: %s", st.info.DisplayName, peerID, reason)
	for _, fn := range c.onLeft {
		fn(peerID)
	}
	c.notify()
}

// handleLinkState reacts to connectivity transitions. Failed links are
// torn down like departures; unstable links stay, since ICE keeps
// retrying within the failure window.
func (c *Coordinator) handleLinkState(peerID string, s peer.LinkState) {
	if _, ok := c.participants[peerID]; !ok {
		return
	}
	c.journal.Recordf("link to %s: %s", peerID, s)
	switch s {
	case peer.StateFailed:
		c.teardownPeer(peerID, "connection failed")
	case peer.StateUnstable:
		log.Warnf("link to %s unstable", peerID)
		c.notify()
	default:
		c.notify()
	}
}

// handleChannelFrame feeds one data-channel frame into reassembly and
// publishes the file once complete.
func (c *Coordinator) handleChannelFrame(peerID string, data []byte) {
	if !c.inCall {
		return
	}
	rec, done := c.asm.Feed(data)
	if !done {
		return
	}
	log.Debugf("transfer %s completed via link %s", rec.ID, peerID)
	c.files = append(c.files, rec)
	c.journal.Recordf("received %s (%d bytes) from %s", rec.Name, rec.Size, rec.Uploader)
	for _, fn := range c.onFile {
		fn(rec)
	}
	c.notify()
}

func (c *Coordinator) handleRemoteTrack(peerID string, track *webrtc.TrackRemote) {
	if _, ok := c.participants[peerID]; !ok {
		return
	}
	for _, fn := range c.onTrack {
		fn(peerID, track)
	}
}
