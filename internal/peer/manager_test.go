package peer

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/openmentor/roomcall/internal/proto"
)

func newTestManager(t *testing.T, send SendFunc) *Manager {
	t.Helper()
	if send == nil {
		send = func(string, proto.MessageKind, []byte) {}
	}
	m, err := NewManager(Config{Send: send})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestNewManagerRequiresSend(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatal("expected error without send function")
	}
}

func TestCreateLinkSingleton(t *testing.T) {
	m := newTestManager(t, nil)
	first, err := m.CreateLink("peer-a", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.CreateLink("peer-a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("second CreateLink returned a different link")
	}
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}
}

func TestOfferAnswerExchange(t *testing.T) {
	// Frames cross between the two managers directly. Candidate errors are
	// ignored: trickled candidates may race the description exchange.
	var alice, bob *Manager

	alice = newTestManager(t, func(_ string, kind proto.MessageKind, payload []byte) {
		switch kind {
		case proto.KindOffer:
			if err := bob.AcceptOffer("alice", payload, nil); err != nil {
				t.Errorf("bob rejects offer: %v", err)
			}
		case proto.KindAnswer:
			t.Errorf("alice sent an answer while initiating")
		case proto.KindICECandidate:
			_ = bob.AcceptCandidate("alice", payload)
		}
	})
	bob = newTestManager(t, func(_ string, kind proto.MessageKind, payload []byte) {
		switch kind {
		case proto.KindAnswer:
			if err := alice.AcceptAnswer("bob", payload); err != nil {
				t.Errorf("alice rejects answer: %v", err)
			}
		case proto.KindICECandidate:
			_ = alice.AcceptCandidate("bob", payload)
		}
	})

	link, err := alice.CreateLink("bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.Initiate("bob"); err != nil {
		t.Fatal(err)
	}

	// The offer/answer chain runs synchronously through the send funcs.
	if !bob.Has("alice") {
		t.Fatal("bob has no link after receiving the offer")
	}
	if link.pc.RemoteDescription() == nil {
		t.Fatal("alice never applied bob's answer")
	}
	if got := link.pc.SignalingState(); got != webrtc.SignalingStateStable {
		t.Fatalf("alice signaling state = %s, want stable", got)
	}
}

func TestInitiateWithoutLink(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.Initiate("ghost"); !errors.Is(err, ErrNoLink) {
		t.Fatalf("Initiate = %v, want ErrNoLink", err)
	}
}

func TestStaleFramesAreDropped(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.AcceptAnswer("ghost", []byte(`{}`)); err != nil {
		t.Fatalf("stale answer = %v, want nil", err)
	}
	if err := m.AcceptCandidate("ghost", []byte(`{}`)); err != nil {
		t.Fatalf("stale candidate = %v, want nil", err)
	}
}

func TestSendBeforeChannelOpen(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.CreateLink("peer-a", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.SendTo("peer-a", []byte("x")); !errors.Is(err, ErrChannelNotOpen) {
		t.Fatalf("SendTo = %v, want ErrChannelNotOpen", err)
	}
	if got := m.OpenPeers(); len(got) != 0 {
		t.Fatalf("OpenPeers = %v before connectivity", got)
	}
}

func TestCloseLinkIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.CreateLink("peer-a", nil); err != nil {
		t.Fatal(err)
	}
	m.CloseLink("peer-a")
	m.CloseLink("peer-a") // repeat departure, must be harmless
	if m.Count() != 0 {
		t.Fatalf("Count = %d after close, want 0", m.Count())
	}
	if err := m.SendTo("peer-a", []byte("x")); !errors.Is(err, ErrNoLink) {
		t.Fatalf("SendTo after close = %v, want ErrNoLink", err)
	}
}

func TestStatesSnapshot(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.CreateLink("peer-a", nil); err != nil {
		t.Fatal(err)
	}
	states := m.States()
	if states["peer-a"] != StateNew {
		t.Fatalf("fresh link state = %s, want new", states["peer-a"])
	}
}
