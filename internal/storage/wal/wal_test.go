package wal

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/vector"
)

func testDoc(v vector.Vector, payload string) doc.Document {
	d := doc.Document{ID: doc.NewID(), Vector: v}
	if payload != "" {
		d.Payload = doc.Payload(payload)
	}
	return d
}

func TestFrameRoundTrip(t *testing.T) {
	in := &Record{
		Kind: KindInsert,
		Seq:  42,
		Doc:  testDoc(vector.Vector{1, 2.5, -3}, `{"tag":"a"}`),
	}
	frame, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, n, err := readFrameBytes(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != int64(len(frame)) {
		t.Errorf("consumed %d bytes, frame is %d", n, len(frame))
	}
	if out.Seq != 42 || out.Kind != KindInsert || out.Doc.ID != in.Doc.ID {
		t.Errorf("decoded = %+v", out)
	}
	for i := range in.Doc.Vector {
		if out.Doc.Vector[i] != in.Doc.Vector[i] {
			t.Errorf("vector[%d] = %v, want %v", i, out.Doc.Vector[i], in.Doc.Vector[i])
		}
	}
	if string(out.Doc.Payload) != `{"tag":"a"}` {
		t.Errorf("payload = %q", out.Doc.Payload)
	}
}

func TestFrameRejectsCorruption(t *testing.T) {
	frame, err := EncodeFrame(&Record{Kind: KindDelete, Seq: 7, Doc: doc.Document{ID: doc.NewID()}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame[len(frame)-1] ^= 0xFF
	if _, _, err := readFrameBytes(frame); err == nil {
		t.Error("expected CRC failure on corrupted frame")
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = w.Close() }()

	for i := 1; i <= 5; i++ {
		seq, err := w.AppendInsert(testDoc(vector.Vector{float32(i)}, ""))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}
	if w.NextSeq() != 6 {
		t.Errorf("next seq = %d, want 6", w.NextSeq())
	}
}

func TestReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ids := make([]doc.ID, 0, 3)
	for i := 0; i < 3; i++ {
		d := testDoc(vector.Vector{float32(i), 0}, "")
		ids = append(ids, d.ID)
		if _, err := w.AppendInsert(d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := w.AppendDelete(ids[1]); err != nil {
		t.Fatalf("append delete: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var inserts, deletes int
	stats, err := Replay(dir, func(r *Record) error {
		switch r.Kind {
		case KindInsert:
			inserts++
		case KindDelete:
			deletes++
			if r.Doc.ID != ids[1] {
				t.Errorf("delete id = %v, want %v", r.Doc.ID, ids[1])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if inserts != 3 || deletes != 1 {
		t.Errorf("replayed %d inserts %d deletes, want 3/1", inserts, deletes)
	}
	if stats.MaxSeq != 4 {
		t.Errorf("max seq = %d, want 4", stats.MaxSeq)
	}

	// Reopen resumes sequence numbering after the replayed records.
	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = w2.Close() }()
	if w2.NextSeq() != 5 {
		t.Errorf("next seq after reopen = %d, want 5", w2.NextSeq())
	}
}

func TestCheckpointSkipsPriorRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := w.AppendInsert(testDoc(vector.Vector{float32(i)}, "")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.AppendCheckpoint(4); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := w.AppendInsert(testDoc(vector.Vector{9}, "")); err != nil {
		t.Fatalf("append after checkpoint: %v", err)
	}
	_ = w.Close()

	var replayed int
	stats, err := Replay(dir, func(r *Record) error {
		replayed++
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if stats.CheckpointSeq != 4 {
		t.Errorf("checkpoint = %d, want 4", stats.CheckpointSeq)
	}
	if replayed != 1 {
		t.Errorf("replayed %d records, want 1 (only the post-checkpoint insert)", replayed)
	}
	if stats.Skipped != 4 {
		t.Errorf("skipped %d, want 4", stats.Skipped)
	}
}

func TestTornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := w.AppendInsert(testDoc(vector.Vector{float32(i)}, "")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = w.Close()

	// Simulate a crash mid-append: garbage half-frame at the end.
	files, _ := ListFiles(dir)
	f, err := os.OpenFile(files[0].Path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for damage: %v", err)
	}
	if _, err := f.Write([]byte{0x20, 0x00, 0x00, 0x00, 0xde, 0xad}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_ = f.Close()

	var replayed int
	stats, err := Replay(dir, func(*Record) error { replayed++; return nil })
	if err != nil {
		t.Fatalf("replay with torn tail: %v", err)
	}
	if !stats.TornTail {
		t.Error("torn tail not detected")
	}
	if replayed != 3 {
		t.Errorf("replayed %d, want 3 (all records before the tear)", replayed)
	}

	// The tail is gone from disk: a fresh writer can append cleanly.
	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after truncation: %v", err)
	}
	defer func() { _ = w2.Close() }()
	if _, err := w2.AppendInsert(testDoc(vector.Vector{7}, "")); err != nil {
		t.Errorf("append after truncation: %v", err)
	}
}

func TestMidLogCorruptionIsFatal(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, WithMaxFileSize(128)) // force rotation
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := w.AppendInsert(testDoc(vector.Vector{float32(i), 1, 2, 3}, "")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = w.Close()

	files, _ := ListFiles(dir)
	if len(files) < 2 {
		t.Fatalf("expected rotation, got %d files", len(files))
	}

	// Corrupt a record in the FIRST file (not the tail).
	data, err := os.ReadFile(files[0].Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(files[0].Path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = Replay(dir, func(*Record) error { return nil })
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CorruptError", err)
	}
}

func TestRotationAndPrune(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, WithMaxFileSize(256))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = w.Close() }()

	var lastSeq uint64
	for i := 0; i < 20; i++ {
		seq, err := w.AppendInsert(testDoc(vector.Vector{float32(i), 0, 0, 0}, ""))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		lastSeq = seq
	}

	files, _ := ListFiles(dir)
	if len(files) < 2 {
		t.Fatalf("expected multiple files, got %d", len(files))
	}

	before := w.SizeBytes()
	if err := w.AppendCheckpoint(lastSeq); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := w.PruneThrough(lastSeq); err != nil {
		t.Fatalf("prune: %v", err)
	}

	after, _ := ListFiles(dir)
	if len(after) >= len(files) {
		t.Errorf("prune removed nothing: %d -> %d files", len(files), len(after))
	}
	if w.SizeBytes() >= before {
		t.Errorf("size did not shrink: %d -> %d", before, w.SizeBytes())
	}
}

// readFrameBytes decodes a single frame from a byte slice.
func readFrameBytes(b []byte) (*Record, int64, error) {
	return readFrame(bytes.NewReader(b))
}
