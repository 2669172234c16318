package filerelay

import (
	"bytes"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/vmihailenco/msgpack/v5"
)

var log = logging.Logger("filerelay")

// transfer tracks one in-flight chunked receive: an ordered array of chunk
// slots plus a received count. It exists only between the meta frame and
// the final chunk, at which point it is consumed into a FileRecord.
type transfer struct {
	meta     MetaPayload
	chunks   [][]byte
	received uint32
}

// Assembler reassembles inbound data channel frames from a single sender's
// ordered stream. One Assembler serves a whole call; transfers are keyed by
// file ID, so interleaved transfers from different peers stay independent.
//
// Assembler methods are called from the coordinator's event loop only, but
// the struct keeps no goroutine of its own and is safe to discard at any
// point via Reset.
type Assembler struct {
	transfers map[string]*transfer
}

func NewAssembler() *Assembler {
	return &Assembler{transfers: make(map[string]*transfer)}
}

// Feed consumes one raw data channel frame. It returns a completed record
// and true when the frame finishes a transfer (or carries a whole file).
// Malformed frames and unknown discriminators are logged and ignored,
// never fatal.
func (a *Assembler) Feed(raw []byte) (FileRecord, bool) {
	var msg Message
	if err := msgpack.Unmarshal(raw, &msg); err != nil {
		log.Warnf("dropping undecodable frame (%d bytes): %v", len(raw), err)
		return FileRecord{}, false
	}

	switch msg.Type {
	case TypeFile:
		var p FilePayload
		if err := msg.DecodePayload(&p); err != nil {
			log.Warnf("dropping malformed file frame: %v", err)
			return FileRecord{}, false
		}
		return FileRecord{
			ID:       p.ID,
			Name:     p.Name,
			Size:     p.Size,
			Mime:     p.Mime,
			Uploader: p.Uploader,
			SharedAt: time.UnixMilli(p.SharedAt),
			Data:     p.Data,
		}, true

	case TypeMeta:
		var p MetaPayload
		if err := msg.DecodePayload(&p); err != nil {
			log.Warnf("dropping malformed meta frame: %v", err)
			return FileRecord{}, false
		}
		if p.TotalChunks == 0 {
			log.Warnf("meta frame for %q announces zero chunks, ignoring", p.Name)
			return FileRecord{}, false
		}
		if _, exists := a.transfers[p.ID]; exists {
			log.Warnf("duplicate meta for transfer %s, restarting it", p.ID)
		}
		a.transfers[p.ID] = &transfer{
			meta:   p,
			chunks: make([][]byte, p.TotalChunks),
		}
		return FileRecord{}, false

	case TypeChunk:
		var p ChunkPayload
		if err := msg.DecodePayload(&p); err != nil {
			log.Warnf("dropping malformed chunk frame: %v", err)
			return FileRecord{}, false
		}
		return a.feedChunk(p)

	default:
		log.Warnf("ignoring unknown frame type %q", msg.Type)
		return FileRecord{}, false
	}
}

func (a *Assembler) feedChunk(p ChunkPayload) (FileRecord, bool) {
	t, ok := a.transfers[p.ID]
	if !ok {
		// Chunk for a transfer we never opened (or already discarded on
		// leave). The sender's stream is ordered, so this means local
		// teardown raced the tail of a transfer.
		log.Debugf("chunk %d for unknown transfer %s, ignoring", p.Index, p.ID)
		return FileRecord{}, false
	}
	if p.Index >= t.meta.TotalChunks {
		log.Warnf("chunk index %d out of range for transfer %s (total %d)", p.Index, p.ID, t.meta.TotalChunks)
		return FileRecord{}, false
	}
	if t.chunks[p.Index] != nil {
		log.Warnf("duplicate chunk %d for transfer %s, ignoring", p.Index, p.ID)
		return FileRecord{}, false
	}

	t.chunks[p.Index] = p.Data
	t.received++
	if t.received < t.meta.TotalChunks {
		return FileRecord{}, false
	}

	// Complete: concatenate in index order and consume the transfer.
	var buf bytes.Buffer
	buf.Grow(int(t.meta.Size))
	for _, c := range t.chunks {
		buf.Write(c)
	}
	delete(a.transfers, p.ID)

	return FileRecord{
		ID:       t.meta.ID,
		Name:     t.meta.Name,
		Size:     t.meta.Size,
		Mime:     t.meta.Mime,
		Uploader: t.meta.Uploader,
		SharedAt: time.UnixMilli(t.meta.SharedAt),
		Data:     buf.Bytes(),
	}, true
}

// Pending returns the number of in-flight transfers.
func (a *Assembler) Pending() int { return len(a.transfers) }

// Reset discards every in-flight transfer. Called on leave so no transfer
// outlives the call.
func (a *Assembler) Reset() {
	if n := len(a.transfers); n > 0 {
		log.Infof("discarding %d unfinished transfer(s)", n)
	}
	a.transfers = make(map[string]*transfer)
}
