// Package filerelay implements the chunked file transfer protocol spoken
// over each peer link's ordered data channel. A share that serializes under
// SingleFrameLimit travels as one atomic "file" message; anything larger is
// split into a "file-meta" header followed by fixed-size "file-chunk"
// frames in strictly increasing index order. Reassembly relies on the data
// channel being ordered and reliable.
package filerelay

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// SingleFrameLimit is the ceiling for sending a share as one atomic
	// message, measured on the serialized frame.
	SingleFrameLimit = 64 * 1024

	// ChunkSize is the payload size of one file-chunk frame.
	ChunkSize = 16 * 1024
)

// Data channel message discriminators.
const (
	TypeFile  = "file"
	TypeMeta  = "file-meta"
	TypeChunk = "file-chunk"
)

// Message is the envelope for every data channel frame.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// DecodePayload decodes the message payload into v.
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage wraps payload in an envelope of the given type.
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: b}, nil
}

// FilePayload carries a whole share in one frame.
type FilePayload struct {
	ID       string `msgpack:"id"`
	Name     string `msgpack:"name"`
	Size     uint64 `msgpack:"size"`
	Mime     string `msgpack:"mime"`
	Uploader string `msgpack:"uploader"`
	SharedAt int64  `msgpack:"sharedAt"`
	Data     []byte `msgpack:"data"`
}

// MetaPayload opens a chunked transfer.
type MetaPayload struct {
	ID          string `msgpack:"id"`
	Name        string `msgpack:"name"`
	Size        uint64 `msgpack:"size"`
	Mime        string `msgpack:"mime"`
	Uploader    string `msgpack:"uploader"`
	SharedAt    int64  `msgpack:"sharedAt"`
	TotalChunks uint32 `msgpack:"totalChunks"`
}

// ChunkPayload carries one slice of a chunked transfer.
type ChunkPayload struct {
	ID    string `msgpack:"id"`
	Index uint32 `msgpack:"index"`
	Total uint32 `msgpack:"total"`
	Data  []byte `msgpack:"data"`
}
