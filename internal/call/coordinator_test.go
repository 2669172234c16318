package call

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openmentor/roomcall/internal/filerelay"
	"github.com/openmentor/roomcall/internal/media"
	"github.com/openmentor/roomcall/internal/proto"
	"github.com/openmentor/roomcall/internal/signaling"
)

const testRoom = proto.Room("test-room")

func newTestCoordinator(t *testing.T, hub *signaling.MemoryHub, id string) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Room: testRoom,
		Self: proto.ParticipantInfo{DisplayName: id, Role: "member"},
	}, hub.Endpoint(id), &media.StaticCapturer{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinLeaveLifecycle(t *testing.T) {
	hub := signaling.NewMemoryHub()
	c := newTestCoordinator(t, hub, "alice")

	if err := c.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := c.Snapshot()
	if !s.InCall || s.Connecting {
		t.Fatalf("after join: inCall=%v connecting=%v", s.InCall, s.Connecting)
	}
	if !s.Self.AudioEnabled {
		t.Fatal("audio not enabled after join")
	}
	if s.Self.VideoEnabled {
		t.Fatal("video enabled without eager video")
	}
	if s.Self.UserID != "alice" {
		t.Fatalf("self id = %q, want bus identity", s.Self.UserID)
	}

	if err := c.Join(context.Background()); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join = %v, want ErrAlreadyJoined", err)
	}

	c.Leave()
	c.Leave() // repeat is harmless
	s = c.Snapshot()
	if s.InCall || len(s.Participants) != 0 || len(s.Files) != 0 {
		t.Fatalf("state survives leave: %+v", s)
	}
	if _, err := c.ShareFile("x", "text/plain", nil); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("share after leave = %v, want ErrNotInCall", err)
	}
}

func TestJoinFailsWithoutAudio(t *testing.T) {
	hub := signaling.NewMemoryHub()
	c, err := New(Config{Room: testRoom}, hub.Endpoint("alice"), &media.StaticCapturer{FailAudio: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	if err := c.Join(context.Background()); err == nil {
		t.Fatal("join succeeded without audio capture")
	}
	s := c.Snapshot()
	if s.InCall || s.Connecting {
		t.Fatalf("failed join left state: inCall=%v connecting=%v", s.InCall, s.Connecting)
	}
}

func TestSenderSelfAvailability(t *testing.T) {
	hub := signaling.NewMemoryHub()
	c := newTestCoordinator(t, hub, "alice")
	if err := c.Join(context.Background()); err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte("payload"), 100)
	rec, err := c.ShareFile("notes.txt", "text/plain", data)
	if err != nil {
		t.Fatal(err)
	}
	// No peer has seen a byte; the record must still be retrievable.
	got, ok := c.Snapshot().File(rec.ID)
	if !ok {
		t.Fatal("own share missing from snapshot")
	}
	if !bytes.Equal(got.Data, data) || got.Uploader != "alice" {
		t.Fatalf("stored record mismatch: uploader=%q len=%d", got.Uploader, len(got.Data))
	}
}

func TestRosterTriggersNegotiation(t *testing.T) {
	hub := signaling.NewMemoryHub()
	bob := newTestCoordinator(t, hub, "bob")
	if err := bob.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	alice := newTestCoordinator(t, hub, "alice")
	if err := alice.Join(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The joining side got bob in the roster reply and initiates.
	waitFor(t, "alice to create bob's link", func() bool {
		return alice.peers.Has("bob")
	})
	// The existing side learns about alice via presence and gets her offer.
	waitFor(t, "bob to accept alice's offer", func() bool {
		return bob.peers.Has("alice")
	})

	s := alice.Snapshot()
	if _, ok := s.Participant("bob"); !ok {
		t.Fatal("bob missing from alice's roster")
	}
	waitFor(t, "alice in bob's roster", func() bool {
		_, ok := bob.Snapshot().Participant("alice")
		return ok
	})
	if n := alice.peers.Count(); n != 1 {
		t.Fatalf("alice link count = %d, want 1", n)
	}
}

func TestPeerDepartureTeardown(t *testing.T) {
	hub := signaling.NewMemoryHub()
	bob := newTestCoordinator(t, hub, "bob")
	if err := bob.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	alice := newTestCoordinator(t, hub, "alice")
	if err := alice.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "mesh setup", func() bool {
		return alice.peers.Has("bob") && bob.peers.Has("alice")
	})

	var left []string
	alice.OnParticipantLeft(func(id string) { left = append(left, id) })

	bob.Leave()
	waitFor(t, "bob's departure", func() bool {
		_, ok := alice.Snapshot().Participant("bob")
		return !ok
	})
	if alice.peers.Has("bob") {
		t.Fatal("link survives departure")
	}

	// A repeated departure notice for the same peer is a no-op.
	if err := alice.do(func() {
		alice.handleBus(signaling.PeerLeft{Room: testRoom, PeerID: "bob"})
	}); err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 {
		t.Fatalf("departure callback fired %d times, want 1", len(left))
	}
}

func TestTogglesFlipFlagsWithoutNewLinks(t *testing.T) {
	hub := signaling.NewMemoryHub()
	c := newTestCoordinator(t, hub, "alice")
	if err := c.Join(context.Background()); err != nil {
		t.Fatal(err)
	}

	on, err := c.ToggleAudio()
	if err != nil || on {
		t.Fatalf("ToggleAudio = (%v, %v), want muted", on, err)
	}
	on, err = c.ToggleVideo()
	if err != nil || !on {
		t.Fatalf("ToggleVideo = (%v, %v), want enabled via lazy acquire", on, err)
	}
	on, err = c.ToggleScreenShare()
	if err != nil || !on {
		t.Fatalf("ToggleScreenShare = (%v, %v), want enabled", on, err)
	}

	s := c.Snapshot()
	if s.Self.AudioEnabled || !s.Self.VideoEnabled || !s.Self.ScreenSharing {
		t.Fatalf("flags after toggles: %+v", s.Self)
	}
	if c.peers.Count() != 0 {
		t.Fatal("toggling created peer links")
	}
}

func TestToggleFlagsPropagateToPeers(t *testing.T) {
	hub := signaling.NewMemoryHub()
	bob := newTestCoordinator(t, hub, "bob")
	if err := bob.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	alice := newTestCoordinator(t, hub, "alice")
	if err := alice.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "mesh setup", func() bool {
		return alice.peers.Has("bob") && bob.peers.Has("alice")
	})
	waitFor(t, "rosters", func() bool {
		_, a := bob.Snapshot().Participant("alice")
		_, b := alice.Snapshot().Participant("bob")
		return a && b
	})
	aliceLinks, bobLinks := alice.peers.Count(), bob.peers.Count()

	if _, err := alice.ToggleAudio(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob to see alice muted", func() bool {
		p, ok := bob.Snapshot().Participant("alice")
		return ok && !p.AudioEnabled
	})

	if _, err := alice.ToggleVideo(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob to see alice's video flag", func() bool {
		p, ok := bob.Snapshot().Participant("alice")
		return ok && p.VideoEnabled
	})

	// The flag updates rode existing links; neither side opened a new one.
	if n := alice.peers.Count(); n != aliceLinks {
		t.Fatalf("alice link count changed across toggles: %d -> %d", aliceLinks, n)
	}
	if n := bob.peers.Count(); n != bobLinks {
		t.Fatalf("bob link count changed across toggles: %d -> %d", bobLinks, n)
	}
}

func TestStaleEventsAfterLeaveIgnored(t *testing.T) {
	hub := signaling.NewMemoryHub()
	c := newTestCoordinator(t, hub, "alice")
	if err := c.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Leave()

	// Events buffered on the bus before the leave can still surface after
	// it. None of them may repopulate the roster or start negotiation.
	bobInfo := proto.ParticipantInfo{UserID: "bob", DisplayName: "bob", Role: "member"}
	if err := c.do(func() {
		c.handleBus(signaling.PeerJoined{Room: testRoom, Participant: bobInfo})
		c.handleBus(signaling.Roster{Room: testRoom, Participants: []proto.ParticipantInfo{bobInfo}})
		c.handleBus(signaling.Signal{Room: testRoom, From: "bob", Kind: proto.KindOffer, Payload: []byte("{}")})
	}); err != nil {
		t.Fatal(err)
	}

	s := c.Snapshot()
	if len(s.Participants) != 0 {
		t.Fatalf("stale events repopulated roster: %d participants", len(s.Participants))
	}
	if n := c.peers.Count(); n != 0 {
		t.Fatalf("stale roster started negotiation: %d links", n)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	hub := signaling.NewMemoryHub()
	c := newTestCoordinator(t, hub, "alice")

	live, cancel := c.Subscribe()
	c.Close()

	// Close terminates existing subscriptions, so ranging consumers exit.
	waitFor(t, "live subscription to close", func() bool {
		select {
		case _, ok := <-live:
			return !ok
		default:
			return false
		}
	})
	cancel() // after Close this must be a harmless no-op

	// A subscription taken after Close comes back already closed instead
	// of a channel nothing will ever feed or close.
	ch, cancel2 := c.Subscribe()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("snapshot received from a closed coordinator")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription on a closed coordinator never terminates")
	}
	cancel2()
}

func TestSignalingLossForcesLeave(t *testing.T) {
	hub := signaling.NewMemoryHub()
	bus := hub.Endpoint("alice")
	c, err := New(Config{Room: testRoom}, bus, &media.StaticCapturer{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	if err := c.Join(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus.SetDown()
	waitFor(t, "forced leave", func() bool {
		return !c.Snapshot().InCall
	})
}

func TestInboundFileAssemblyAndLeaveDiscard(t *testing.T) {
	hub := signaling.NewMemoryHub()
	c := newTestCoordinator(t, hub, "alice")
	if err := c.Join(context.Background()); err != nil {
		t.Fatal(err)
	}

	var received []filerelay.FileRecord
	c.OnFileShared(func(rec filerelay.FileRecord) { received = append(received, rec) })

	// A complete chunked transfer arrives over the data channel.
	data := bytes.Repeat([]byte{0xAB}, filerelay.ChunkSize*3)
	rec := filerelay.NewRecord("big.bin", "application/octet-stream", "bob", data)
	frames, err := filerelay.Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range frames {
		frame := f
		c.post(func() { c.handleChannelFrame("bob", frame) })
	}
	_ = c.do(func() {}) // barrier: all frames processed

	if len(received) != 1 || received[0].ID != rec.ID {
		t.Fatalf("file callback: got %d records", len(received))
	}
	got, ok := c.Snapshot().File(rec.ID)
	if !ok || !bytes.Equal(got.Data, data) {
		t.Fatal("assembled file missing or corrupt")
	}

	// A second transfer stays unfinished; leaving must discard it.
	rec2 := filerelay.NewRecord("half.bin", "application/octet-stream", "bob", data)
	frames2, err := filerelay.Encode(rec2)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range frames2[:2] { // meta + first chunk only
		frame := f
		c.post(func() { c.handleChannelFrame("bob", frame) })
	}
	_ = c.do(func() {})
	if c.asm.Pending() != 1 {
		t.Fatalf("pending transfers = %d, want 1", c.asm.Pending())
	}

	c.Leave()
	if c.asm.Pending() != 0 {
		t.Fatal("transfer survived leave")
	}
}
