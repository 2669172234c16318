
package proto

import "time"

const (
	// RoomTopicPrefix namespaces pubsub topics so unrelated deployments on
	// the same mesh never cross-deliver.
	RoomTopicPrefix = "roomcall.room.v1."

	// LobbyID is the unscoped room every participant may address without an
	// external session identifier.
	LobbyID = "lobby"
)

// Room identifies the call a coordinator addresses: either the unscoped
// lobby or an externally supplied session. Every transport call is
// parameterized by it.
type Room string

// Lobby is the unscoped room.
const Lobby = Room(LobbyID)

// SessionRoom builds a room scoped to an external session identifier.
func SessionRoom(sessionID string) Room {
	return Room("session-" + sessionID)
}

// Topic returns the pubsub topic name for this room.
func (r Room) Topic() string { return RoomTopicPrefix + string(r) }

// IsLobby reports whether this is the unscoped room.
func (r Room) IsLobby() bool { return r == Lobby }

// MessageKind discriminates directed signaling messages between two peers.
type MessageKind string

const (
	KindOffer        MessageKind = "offer"
	KindAnswer       MessageKind = "answer"
	KindICECandidate MessageKind = "ice-candidate"
	KindFileNotify   MessageKind = "file-notify"
)

// ParticipantInfo is the identity and media status a participant announces
// to a room. Flags are re-announced whenever they change.
type ParticipantInfo struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	Role          string `json:"role,omitempty"`
	VideoEnabled  bool   `json:"videoEnabled"`
	AudioEnabled  bool   `json:"audioEnabled"`
	ScreenSharing bool   `json:"screenSharing,omitempty"`
}

const (
	PresenceOnline  = "online"  // first announce in a room
	PresencePresent = "present" // directed reply: "I was already here"
	PresenceUpdate  = "update"  // flag change re-announce
	PresenceOffline = "offline" // leaving the room
)

// Envelope is the single wire shape published on a room topic. Exactly one
// of Presence or Signal is set. Directed envelopes carry To; everyone else
// ignores them.
type Envelope struct {
	From     string         `json:"from"`
	To       string         `json:"to,omitempty"`
	Presence *PresenceMsg   `json:"presence,omitempty"`
	Signal   *SignalPayload `json:"signal,omitempty"`
	TS       int64          `json:"ts"`
}

// PresenceMsg announces membership and media flags.
type PresenceMsg struct {
	Type        string          `json:"type"` // online|present|update|offline
	Participant ParticipantInfo `json:"participant"`
}

// SignalPayload carries an opaque, directed signaling message.
type SignalPayload struct {
	Kind MessageKind `json:"kind"`
	Data []byte      `json:"data"`
}

// FileNotice is the payload of a file-notify signaling message: a courtesy
// heads-up that the file content is arriving over the data channel.
type FileNotice struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	Uploader string `json:"uploader"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
