// Package signaling defines the boundary to the relay that carries
// presence and connection-setup messages. The call core never talks to a
// network directly for signaling; it consumes a Bus.
//
// Delivery rules a Bus must honor: messages between one peer pair arrive
// in send order; events are scoped to the room the consumer announced in;
// after an Up that follows a Down, the consumer re-announces presence
// before any other signaling resumes.
package signaling

import (
	"context"
	"errors"

	"github.com/openmentor/roomcall/internal/proto"
)

// ErrBusDown is returned by operations attempted while the bus has no
// connection to its relay.
var ErrBusDown = errors.New("signaling bus is disconnected")

// Event is the sealed set of things a bus can tell the call core. Using
// typed variants (instead of callback arrays keyed by string) keeps every
// event kind handled exhaustively at the single switch in the coordinator.
type Event interface{ busEvent() }

// PeerJoined announces a remote participant, or updates the flags of one
// already known. Consumers treat it as an upsert.
type PeerJoined struct {
	Room        proto.Room
	Participant proto.ParticipantInfo
}

// PeerLeft announces a remote participant leaving the room.
type PeerLeft struct {
	Room   proto.Room
	PeerID string
}

// Roster lists participants that were already present when the local actor
// announced. Receiving a roster entry is the tie-break that makes the
// local side initiate negotiation toward each listed peer.
type Roster struct {
	Room         proto.Room
	Participants []proto.ParticipantInfo
}

// Signal is a directed connection-setup or control message from one peer.
type Signal struct {
	Room    proto.Room
	From    string
	Kind    proto.MessageKind
	Payload []byte
}

// Down reports the bus lost its relay connection.
type Down struct{}

// Up reports the bus (re)connected to its relay.
type Up struct{}

func (PeerJoined) busEvent() {}
func (PeerLeft) busEvent()   {}
func (Roster) busEvent()     {}
func (Signal) busEvent()     {}
func (Down) busEvent()       {}
func (Up) busEvent()         {}

// Bus is the signaling transport consumed by the call core.
type Bus interface {
	// SelfID is the identity this bus signs outbound messages with.
	SelfID() string

	// AwaitReady blocks until the bus can carry messages, bounded by ctx.
	AwaitReady(ctx context.Context) error

	// Announce publishes presence (and current media flags) in a room.
	// Re-announcing with changed flags is how toggles propagate.
	Announce(ctx context.Context, room proto.Room, self proto.ParticipantInfo) error

	// Leave withdraws presence from a room.
	Leave(ctx context.Context, room proto.Room) error

	// SendToPeer delivers a directed signaling message.
	SendToPeer(ctx context.Context, room proto.Room, peerID string, kind proto.MessageKind, payload []byte) error

	// Subscribe returns a channel of inbound events plus a cancel func.
	Subscribe() (<-chan Event, func())

	// Close releases the bus. All subscriptions end.
	Close() error
}
