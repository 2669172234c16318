package call

import (
	"time"

	"github.com/openmentor/roomcall/internal/filerelay"
	"github.com/openmentor/roomcall/internal/peer"
	"github.com/openmentor/roomcall/internal/proto"
)

// Participant is one remote room member as the local side sees it:
// announced identity and flags, plus the state of the mesh link to it.
type Participant struct {
	proto.ParticipantInfo
	JoinedAt time.Time
	Link     peer.LinkState
}

// Snapshot is an immutable view of the whole call, handed to subscribers
// on every state change. Participants are ordered by join time.
type Snapshot struct {
	Room         proto.Room
	Connecting   bool
	InCall       bool
	Self         proto.ParticipantInfo
	Participants []Participant
	Files        []filerelay.FileRecord
}

// Participant looks up a room member by ID.
func (s Snapshot) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.UserID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// File looks up a shared file by ID.
func (s Snapshot) File(id string) (filerelay.FileRecord, bool) {
	for _, f := range s.Files {
		if f.ID == id {
			return f, true
		}
	}
	return filerelay.FileRecord{}, false
}

// snapshot builds the copy on the loop goroutine.
func (c *Coordinator) snapshot() Snapshot {
	links := c.peers.States()
	parts := make([]Participant, 0, len(c.order))
	for _, id := range c.order {
		st, ok := c.participants[id]
		if !ok {
			continue
		}
		parts = append(parts, Participant{
			ParticipantInfo: st.info,
			JoinedAt:        st.joinedAt,
			Link:            links[id],
		})
	}
	files := make([]filerelay.FileRecord, len(c.files))
	copy(files, c.files)
	return Snapshot{
		Room:         c.cfg.Room,
		Connecting:   c.connecting,
		InCall:       c.inCall,
		Self:         c.self,
		Participants: parts,
		Files:        files,
	}
}
