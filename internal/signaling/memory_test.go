package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/openmentor/roomcall/internal/proto"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return nil
	}
}

func info(id, name string) proto.ParticipantInfo {
	return proto.ParticipantInfo{UserID: id, DisplayName: name, AudioEnabled: true}
}

func TestMemoryBusAnnounceAndRoster(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	room := proto.SessionRoom("s1")

	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob")
	aliceEvents, cancelA := alice.Subscribe()
	defer cancelA()
	bobEvents, cancelB := bob.Subscribe()
	defer cancelB()

	if err := alice.Announce(ctx, room, info("alice", "Alice")); err != nil {
		t.Fatal(err)
	}
	// First in the room: no roster reply.
	select {
	case ev := <-aliceEvents:
		t.Fatalf("unexpected event for first announcer: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if err := bob.Announce(ctx, room, info("bob", "Bob")); err != nil {
		t.Fatal(err)
	}

	// Alice sees bob join; bob gets the roster naming alice.
	if ev, ok := nextEvent(t, aliceEvents).(PeerJoined); !ok || ev.Participant.UserID != "bob" {
		t.Fatalf("alice expected PeerJoined(bob), got %#v", ev)
	}
	roster, ok := nextEvent(t, bobEvents).(Roster)
	if !ok {
		t.Fatalf("bob expected Roster, got something else")
	}
	if len(roster.Participants) != 1 || roster.Participants[0].UserID != "alice" {
		t.Fatalf("roster = %#v, want just alice", roster.Participants)
	}

	// A flag re-announce is an upsert for others, not a new roster for bob.
	updated := info("bob", "Bob")
	updated.VideoEnabled = true
	if err := bob.Announce(ctx, room, updated); err != nil {
		t.Fatal(err)
	}
	if ev, ok := nextEvent(t, aliceEvents).(PeerJoined); !ok || !ev.Participant.VideoEnabled {
		t.Fatalf("alice expected video-enabled upsert, got %#v", ev)
	}
	select {
	case ev := <-bobEvents:
		t.Fatalf("re-announce must not earn a roster, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusSignalOrdering(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	room := proto.Lobby

	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob")
	bobEvents, cancel := bob.Subscribe()
	defer cancel()

	for i := byte(0); i < 10; i++ {
		if err := alice.SendToPeer(ctx, room, "bob", proto.KindICECandidate, []byte{i}); err != nil {
			t.Fatal(err)
		}
	}
	for i := byte(0); i < 10; i++ {
		sig, ok := nextEvent(t, bobEvents).(Signal)
		if !ok {
			t.Fatal("expected Signal event")
		}
		if sig.From != "alice" || sig.Payload[0] != i {
			t.Fatalf("signal %d arrived out of order: %#v", i, sig)
		}
	}
}

func TestMemoryBusLeave(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	room := proto.Lobby

	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob")
	aliceEvents, cancel := alice.Subscribe()
	defer cancel()

	if err := alice.Announce(ctx, room, info("alice", "Alice")); err != nil {
		t.Fatal(err)
	}
	if err := bob.Announce(ctx, room, info("bob", "Bob")); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, aliceEvents) // bob joined

	if err := bob.Leave(ctx, room); err != nil {
		t.Fatal(err)
	}
	if ev, ok := nextEvent(t, aliceEvents).(PeerLeft); !ok || ev.PeerID != "bob" {
		t.Fatalf("expected PeerLeft(bob), got %#v", ev)
	}

	// Leaving twice is harmless.
	if err := bob.Leave(ctx, room); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryBusCancelDuringDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	alice := hub.Endpoint("alice")
	bob := hub.Endpoint("bob")

	// Deliveries race subscription churn; no send may hit a channel a
	// concurrent cancel has closed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = alice.SendToPeer(ctx, proto.Lobby, "bob", proto.KindICECandidate, []byte{1})
		}
	}()
	for i := 0; i < 200; i++ {
		ch, cancel := bob.Subscribe()
		select {
		case <-ch:
		default:
		}
		cancel()
	}
	<-done

	if err := bob.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryBusDownUp(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	alice := hub.Endpoint("alice")
	events, cancel := alice.Subscribe()
	defer cancel()

	alice.SetDown()
	if _, ok := nextEvent(t, events).(Down); !ok {
		t.Fatal("expected Down event")
	}
	if err := alice.Announce(ctx, proto.Lobby, info("alice", "Alice")); err != ErrBusDown {
		t.Fatalf("Announce while down = %v, want ErrBusDown", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer waitCancel()
	if err := alice.AwaitReady(waitCtx); err == nil {
		t.Fatal("AwaitReady should block while down")
	}

	alice.SetUp()
	if _, ok := nextEvent(t, events).(Up); !ok {
		t.Fatal("expected Up event")
	}
	if err := alice.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady after SetUp: %v", err)
	}
}
