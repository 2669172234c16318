package filerelay

import (
	"bytes"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func makeData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestEncodeFeedRoundTrip(t *testing.T) {
	sizes := []int{0, ChunkSize - 1, ChunkSize, ChunkSize + 1, 10 * ChunkSize}
	for _, size := range sizes {
		data := makeData(size)
		rec := NewRecord("report.pdf", "application/pdf", "ada", data)

		frames, err := Encode(rec)
		if err != nil {
			t.Fatalf("Encode(size=%d): %v", size, err)
		}

		asm := NewAssembler()
		var got FileRecord
		var done bool
		for i, f := range frames {
			got, done = asm.Feed(f)
			if done && i != len(frames)-1 {
				t.Fatalf("size=%d: transfer completed at frame %d of %d", size, i, len(frames))
			}
		}
		if !done {
			t.Fatalf("size=%d: transfer never completed after %d frames", size, len(frames))
		}
		if got.ID != rec.ID || got.Name != rec.Name || got.Size != rec.Size || got.Uploader != rec.Uploader {
			t.Fatalf("size=%d: metadata mismatch: got %+v", size, got)
		}
		if !bytes.Equal(got.Data, data) {
			t.Fatalf("size=%d: reassembled payload differs from original", size)
		}
		if asm.Pending() != 0 {
			t.Fatalf("size=%d: %d transfers left pending after completion", size, asm.Pending())
		}
	}
}

func TestEncodeFrameCounts(t *testing.T) {
	small := NewRecord("note.txt", "text/plain", "ada", makeData(100))
	frames, err := Encode(small)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("small share produced %d frames, want 1 atomic frame", len(frames))
	}
	if len(frames[0]) > SingleFrameLimit {
		t.Fatalf("atomic frame is %d bytes, over the %d limit", len(frames[0]), SingleFrameLimit)
	}

	big := NewRecord("video.webm", "video/webm", "ada", makeData(10*ChunkSize))
	frames, err = Encode(big)
	if err != nil {
		t.Fatal(err)
	}
	// meta + ceil(S/C) chunks
	if len(frames) != 11 {
		t.Fatalf("10-chunk share produced %d frames, want 11", len(frames))
	}
	for _, f := range frames {
		if len(f) > SingleFrameLimit {
			t.Fatalf("chunked frame is %d bytes, over the %d limit", len(f), SingleFrameLimit)
		}
	}
}

func TestUnknownDiscriminatorIgnored(t *testing.T) {
	asm := NewAssembler()
	raw, err := msgpack.Marshal(Message{Type: "hole-punch", Payload: []byte{0xc0}})
	if err != nil {
		t.Fatal(err)
	}
	if _, done := asm.Feed(raw); done {
		t.Fatal("unknown discriminator produced a record")
	}
	if _, done := asm.Feed([]byte("not msgpack at all")); done {
		t.Fatal("garbage frame produced a record")
	}
	if asm.Pending() != 0 {
		t.Fatalf("junk frames opened %d transfers", asm.Pending())
	}
}

func TestChunkForUnknownTransferIgnored(t *testing.T) {
	asm := NewAssembler()
	chunk, err := NewMessage(TypeChunk, ChunkPayload{ID: "ghost", Index: 0, Total: 2, Data: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := msgpack.Marshal(chunk)
	if err != nil {
		t.Fatal(err)
	}
	if _, done := asm.Feed(raw); done {
		t.Fatal("orphan chunk produced a record")
	}
	if asm.Pending() != 0 {
		t.Fatal("orphan chunk opened a transfer")
	}
}

func TestResetDiscardsInFlight(t *testing.T) {
	rec := NewRecord("big.bin", "application/octet-stream", "ada", makeData(5*ChunkSize))
	frames, err := Encode(rec)
	if err != nil {
		t.Fatal(err)
	}

	asm := NewAssembler()
	// Feed meta plus two chunks, then abandon.
	for _, f := range frames[:3] {
		if _, done := asm.Feed(f); done {
			t.Fatal("transfer completed early")
		}
	}
	if asm.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", asm.Pending())
	}
	asm.Reset()
	if asm.Pending() != 0 {
		t.Fatalf("Pending = %d after Reset, want 0", asm.Pending())
	}

	// Late chunks after reset are silent no-ops.
	if _, done := asm.Feed(frames[3]); done {
		t.Fatal("late chunk after Reset produced a record")
	}
}
