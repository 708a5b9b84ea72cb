// Package wal implements the per-collection write-ahead log. Every accepted
// mutation reaches the WAL before it is acknowledged; recovery replays the
// log to rebuild the open segment after a crash.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/vector"
)

// WAL Frame Format:
// ┌──────────────────────────────────────────────────────┐
// │ Length (4B, uint32) - size of Kind + Body            │
// │ CRC32 (4B) - checksum of Kind + Body                 │
// │ Kind (1B)                                            │
// │ Body (variable)                                      │
// └──────────────────────────────────────────────────────┘
// Body layouts (all little-endian):
//   Insert:     Seq (8B) │ DocID (16B) │ Dim (4B) │ Vector (Dim×4B) │ PayloadLen (4B) │ Payload
//   Delete:     Seq (8B) │ DocID (16B)
//   Checkpoint: Seq (8B) │ CheckpointSeq (8B)
//
// A torn tail (a truncated or bad final frame in the newest file) is
// truncated at recovery without losing preceding records; a complete bad
// frame with more bytes after it is CorruptError.

// Kind identifies the type of a WAL record.
type Kind uint8

const (
	KindInsert     Kind = 0x01
	KindDelete     Kind = 0x02
	KindCheckpoint Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindDelete:
		return "DELETE"
	case KindCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

const (
	frameHeaderSize = 9 // length + crc + kind

	// MaxBodySize bounds one record (vector + payload).
	MaxBodySize = 64 * 1024 * 1024
)

// Record is one logged mutation.
type Record struct {
	Kind Kind

	// Seq is the monotonic sequence number assigned at append time.
	Seq uint64

	// Doc carries the document for Insert; only Doc.ID is set for Delete.
	Doc doc.Document

	// CheckpointSeq is the sequence number through which segments are
	// materialized; set for Checkpoint records.
	CheckpointSeq uint64
}

func encodeBody(r *Record) ([]byte, error) {
	switch r.Kind {
	case KindInsert:
		if len(r.Doc.Payload) > 0 && !r.Doc.Payload.Valid() {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		size := 8 + 16 + 4 + len(r.Doc.Vector)*4 + 4 + len(r.Doc.Payload)
		if size > MaxBodySize {
			return nil, fmt.Errorf("record too large: %d > %d", size, MaxBodySize)
		}
		body := make([]byte, 0, size)
		body = binary.LittleEndian.AppendUint64(body, r.Seq)
		body = append(body, r.Doc.ID[:]...)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(r.Doc.Vector)))
		for _, x := range r.Doc.Vector {
			body = binary.LittleEndian.AppendUint32(body, floatBits(x))
		}
		body = binary.LittleEndian.AppendUint32(body, uint32(len(r.Doc.Payload)))
		body = append(body, r.Doc.Payload...)
		return body, nil

	case KindDelete:
		body := make([]byte, 0, 8+16)
		body = binary.LittleEndian.AppendUint64(body, r.Seq)
		body = append(body, r.Doc.ID[:]...)
		return body, nil

	case KindCheckpoint:
		body := make([]byte, 0, 16)
		body = binary.LittleEndian.AppendUint64(body, r.Seq)
		body = binary.LittleEndian.AppendUint64(body, r.CheckpointSeq)
		return body, nil

	default:
		return nil, fmt.Errorf("unknown record kind %d", r.Kind)
	}
}

func decodeBody(kind Kind, body []byte) (*Record, error) {
	r := &Record{Kind: kind}
	switch kind {
	case KindInsert:
		if len(body) < 8+16+4 {
			return nil, fmt.Errorf("insert body too short: %d", len(body))
		}
		r.Seq = binary.LittleEndian.Uint64(body[0:8])
		copy(r.Doc.ID[:], body[8:24])
		dim := binary.LittleEndian.Uint32(body[24:28])
		off := 28
		if len(body) < off+int(dim)*4+4 {
			return nil, fmt.Errorf("insert body truncated: %d bytes, dim %d", len(body), dim)
		}
		v := make(vector.Vector, dim)
		for i := range v {
			v[i] = floatFromBits(binary.LittleEndian.Uint32(body[off:]))
			off += 4
		}
		r.Doc.Vector = v
		plen := int(binary.LittleEndian.Uint32(body[off:]))
		off += 4
		if len(body) != off+plen {
			return nil, fmt.Errorf("insert payload truncated: %d != %d", len(body), off+plen)
		}
		if plen > 0 {
			r.Doc.Payload = doc.Payload(append([]byte(nil), body[off:off+plen]...))
		}
		return r, nil

	case KindDelete:
		if len(body) != 8+16 {
			return nil, fmt.Errorf("delete body size %d, want 24", len(body))
		}
		r.Seq = binary.LittleEndian.Uint64(body[0:8])
		copy(r.Doc.ID[:], body[8:24])
		return r, nil

	case KindCheckpoint:
		if len(body) != 16 {
			return nil, fmt.Errorf("checkpoint body size %d, want 16", len(body))
		}
		r.Seq = binary.LittleEndian.Uint64(body[0:8])
		r.CheckpointSeq = binary.LittleEndian.Uint64(body[8:16])
		return r, nil

	default:
		return nil, fmt.Errorf("unknown record kind %d", kind)
	}
}

// EncodeFrame serializes a record with its length prefix and checksum.
func EncodeFrame(r *Record) ([]byte, error) {
	body, err := encodeBody(r)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(1+len(body)))
	frame[8] = byte(r.Kind)
	copy(frame[frameHeaderSize:], body)
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(frame[8:]))
	return frame, nil
}

func floatBits(f float32) uint32     { return math.Float32bits(f) }
func floatFromBits(u uint32) float32 { return math.Float32frombits(u) }
