package filerelay

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// FileRecord is a fully materialized share: the payload is always present.
// A record is never surfaced to subscribers before its bytes are complete.
type FileRecord struct {
	ID       string
	Name     string
	Size     uint64
	Mime     string
	Uploader string
	SharedAt time.Time
	Data     []byte
}

// NewRecord builds the sender-side record for a share. The record exists
// before any peer has seen a byte of it, so the sender can always retrieve
// its own share.
func NewRecord(name, mime, uploader string, data []byte) FileRecord {
	return FileRecord{
		ID:       uuid.NewString(),
		Name:     name,
		Size:     uint64(len(data)),
		Mime:     mime,
		Uploader: uploader,
		SharedAt: time.Now(),
		Data:     data,
	}
}

// Encode serializes a record into the ordered frame sequence to put on a
// data channel: either one atomic file frame, or a meta frame followed by
// TotalChunks chunk frames with strictly increasing indexes.
func Encode(rec FileRecord) ([][]byte, error) {
	whole, err := NewMessage(TypeFile, FilePayload{
		ID:       rec.ID,
		Name:     rec.Name,
		Size:     rec.Size,
		Mime:     rec.Mime,
		Uploader: rec.Uploader,
		SharedAt: rec.SharedAt.UnixMilli(),
		Data:     rec.Data,
	})
	if err != nil {
		return nil, err
	}
	raw, err := marshalMessage(whole)
	if err != nil {
		return nil, err
	}
	if len(raw) <= SingleFrameLimit {
		return [][]byte{raw}, nil
	}

	total := uint32((len(rec.Data) + ChunkSize - 1) / ChunkSize)
	frames := make([][]byte, 0, total+1)

	meta, err := NewMessage(TypeMeta, MetaPayload{
		ID:          rec.ID,
		Name:        rec.Name,
		Size:        rec.Size,
		Mime:        rec.Mime,
		Uploader:    rec.Uploader,
		SharedAt:    rec.SharedAt.UnixMilli(),
		TotalChunks: total,
	})
	if err != nil {
		return nil, err
	}
	raw, err = marshalMessage(meta)
	if err != nil {
		return nil, err
	}
	frames = append(frames, raw)

	for i := uint32(0); i < total; i++ {
		start := int(i) * ChunkSize
		end := start + ChunkSize
		if end > len(rec.Data) {
			end = len(rec.Data)
		}
		chunk, err := NewMessage(TypeChunk, ChunkPayload{
			ID:    rec.ID,
			Index: i,
			Total: total,
			Data:  rec.Data[start:end],
		})
		if err != nil {
			return nil, err
		}
		raw, err = marshalMessage(chunk)
		if err != nil {
			return nil, err
		}
		frames = append(frames, raw)
	}
	return frames, nil
}

func marshalMessage(m Message) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", m.Type, err)
	}
	return b, nil
}
