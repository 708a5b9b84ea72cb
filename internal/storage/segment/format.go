package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/vector"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

// SEGv1 Segment Layout:
// ┌────────────────────────────────────────────────────────────┐
// │ Header (28B)                                               │
// │   Magic "SEG1" (4B) │ Version (2B) │ Metric (1B) │ Comp (1B)│
// │   Dimension (4B) │ VectorCount (4B) │ TombCount (4B)        │
// │   Reserved (8B)                                            │
// ├────────────────────────────────────────────────────────────┤
// │ ID block         (zstd) VectorCount × 16B UUIDs            │
// │ Vector block     (zstd) row-major f32 matrix, LE           │
// │ Metadata block   (zstd) null bitmap + len-prefixed JSON    │
// │ Tombstone block  (zstd) TombCount × 16B UUIDs              │
// ├────────────────────────────────────────────────────────────┤
// │ Trailer (84B)                                              │
// │   4 × {Offset (8B), Length (8B)} absolute section extents  │
// │   BlocksXXH3 (8B) - hash of the four compressed blocks     │
// │   FileXXH3 (8B)   - hash of everything before the trailer  │
// │   TrailerMagic "1GES" (4B)                                 │
// └────────────────────────────────────────────────────────────┘
//
// Each block is compressed independently so metadata-only scans never
// decompress vectors.

const (
	// Magic identifies a SEGv1 segment.
	Magic uint32 = 0x53454731 // "SEG1"

	// TrailerMagic closes the segment.
	TrailerMagic uint32 = 0x31474553 // "1GES"

	// FormatVersion is the current on-disk version.
	FormatVersion uint16 = 1

	headerSize  = 28
	trailerSize = 84

	idSize = 16
)

// Compression algorithm tags.
const (
	CompressionNone uint8 = 0
	CompressionZstd uint8 = 1
)

// Default zstd levels: fast for the local tier, tight for remote archival.
const (
	DefaultLocalZstdLevel  = 3
	DefaultRemoteZstdLevel = 9
)

// CorruptError reports an unreadable or checksum-failed segment. Fatal for
// the affected segment; the engine falls back to another tier if one exists.
type CorruptError struct {
	Segment uuid.UUID
	Reason  string
}

func (e *CorruptError) Error() string {
	if e.Segment == uuid.Nil {
		return fmt.Sprintf("corrupt segment: %s", e.Reason)
	}
	return fmt.Sprintf("corrupt segment %s: %s", e.Segment, e.Reason)
}

// Data is the decoded content of one segment.
type Data struct {
	IDs        []doc.ID
	Vectors    []vector.Vector
	Payloads   []doc.Payload
	Tombstones []doc.ID
}

// Info carries the header fields read back during deserialization.
type Info struct {
	Dimension   uint32
	Metric      vector.Metric
	Compression uint8
	VectorCount uint32
	Checksum    string
}

var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("segment: init zstd decoder: %v", err))
	}
}

// Serialize encodes the segment data into SEGv1 bytes at the given zstd level.
func Serialize(d *Data, metric vector.Metric, dim uint32, level int) ([]byte, error) {
	if dim == 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	if len(d.IDs) != len(d.Vectors) || len(d.IDs) != len(d.Payloads) {
		return nil, fmt.Errorf("row count mismatch: %d ids, %d vectors, %d payloads",
			len(d.IDs), len(d.Vectors), len(d.Payloads))
	}
	for i, v := range d.Vectors {
		if uint32(len(v)) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	defer func() { _ = enc.Close() }()

	idBlock := enc.EncodeAll(encodeIDs(d.IDs), nil)
	vecBlock := enc.EncodeAll(encodeVectors(d.Vectors, dim), nil)
	metaBlock := enc.EncodeAll(encodeMetadata(d.Payloads), nil)
	tombBlock := enc.EncodeAll(encodeIDs(d.Tombstones), nil)

	var buf bytes.Buffer
	buf.Grow(headerSize + len(idBlock) + len(vecBlock) + len(metaBlock) + len(tombBlock) + trailerSize)

	// Header
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], Magic)
	binary.LittleEndian.PutUint16(header[4:6], FormatVersion)
	header[6] = byte(metric)
	header[7] = CompressionZstd
	binary.LittleEndian.PutUint32(header[8:12], dim)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(d.IDs)))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(d.Tombstones)))
	buf.Write(header)

	// Blocks, recording absolute extents for the trailer.
	type extent struct{ off, length uint64 }
	extents := make([]extent, 0, 4)
	for _, block := range [][]byte{idBlock, vecBlock, metaBlock, tombBlock} {
		extents = append(extents, extent{uint64(buf.Len()), uint64(len(block))})
		buf.Write(block)
	}

	blocksHash := xxh3.Hash(buf.Bytes()[headerSize:])
	fileHash := xxh3.Hash(buf.Bytes())

	trailer := make([]byte, trailerSize)
	for i, ex := range extents {
		binary.LittleEndian.PutUint64(trailer[i*16:], ex.off)
		binary.LittleEndian.PutUint64(trailer[i*16+8:], ex.length)
	}
	binary.LittleEndian.PutUint64(trailer[64:72], blocksHash)
	binary.LittleEndian.PutUint64(trailer[72:80], fileHash)
	binary.LittleEndian.PutUint32(trailer[80:84], TrailerMagic)
	buf.Write(trailer)

	return buf.Bytes(), nil
}

// Checksum returns the hex-encoded XXH3 of the segment body (everything
// before the trailer). This is the value recorded in the descriptor.
func Checksum(b []byte) string {
	if len(b) < trailerSize {
		return ""
	}
	sum := make([]byte, 8)
	binary.LittleEndian.PutUint64(sum, xxh3.Hash(b[:len(b)-trailerSize]))
	return hex.EncodeToString(sum)
}

// VerifyChecksum validates the trailer self-consistency and both checksums
// without decoding any block.
func VerifyChecksum(b []byte) error {
	_, _, err := readEnvelope(b)
	return err
}

// Deserialize decodes SEGv1 bytes, verifying magic, version, dimension and
// both checksums. expectDim of 0 skips the dimension check.
func Deserialize(b []byte, expectDim uint32) (*Data, *Info, error) {
	info, extents, err := readEnvelope(b)
	if err != nil {
		return nil, nil, err
	}
	if expectDim != 0 && info.Dimension != expectDim {
		return nil, nil, &CorruptError{Reason: fmt.Sprintf("dimension %d, caller expects %d", info.Dimension, expectDim)}
	}

	blocks := make([][]byte, 4)
	for i, ex := range extents {
		raw := b[ex[0] : ex[0]+ex[1]]
		if info.Compression == CompressionZstd {
			decoded, err := zstdDecoder.DecodeAll(raw, nil)
			if err != nil {
				return nil, nil, &CorruptError{Reason: fmt.Sprintf("decompress block %d: %v", i, err)}
			}
			blocks[i] = decoded
		} else {
			blocks[i] = raw
		}
	}

	ids, err := decodeIDs(blocks[0])
	if err != nil {
		return nil, nil, &CorruptError{Reason: fmt.Sprintf("id block: %v", err)}
	}
	if uint32(len(ids)) != info.VectorCount {
		return nil, nil, &CorruptError{Reason: fmt.Sprintf("id block has %d rows, header says %d", len(ids), info.VectorCount)}
	}
	vecs, err := decodeVectors(blocks[1], info.Dimension, info.VectorCount)
	if err != nil {
		return nil, nil, &CorruptError{Reason: fmt.Sprintf("vector block: %v", err)}
	}
	payloads, err := decodeMetadata(blocks[2], info.VectorCount)
	if err != nil {
		return nil, nil, &CorruptError{Reason: fmt.Sprintf("metadata block: %v", err)}
	}
	tombs, err := decodeIDs(blocks[3])
	if err != nil {
		return nil, nil, &CorruptError{Reason: fmt.Sprintf("tombstone block: %v", err)}
	}

	return &Data{IDs: ids, Vectors: vecs, Payloads: payloads, Tombstones: tombs}, info, nil
}

// readEnvelope parses header and trailer and verifies both XXH3 sums.
func readEnvelope(b []byte) (*Info, [4][2]uint64, error) {
	var extents [4][2]uint64

	if len(b) < headerSize+trailerSize {
		return nil, extents, &CorruptError{Reason: fmt.Sprintf("segment too small: %d bytes", len(b))}
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return nil, extents, &CorruptError{Reason: "bad magic"}
	}
	version := binary.LittleEndian.Uint16(b[4:6])
	if version != FormatVersion {
		return nil, extents, &CorruptError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	info := &Info{
		Metric:      vector.Metric(b[6]),
		Compression: b[7],
		Dimension:   binary.LittleEndian.Uint32(b[8:12]),
		VectorCount: binary.LittleEndian.Uint32(b[12:16]),
		Checksum:    Checksum(b),
	}
	if !info.Metric.Valid() {
		return nil, extents, &CorruptError{Reason: fmt.Sprintf("unknown metric tag %d", b[6])}
	}

	trailer := b[len(b)-trailerSize:]
	if binary.LittleEndian.Uint32(trailer[80:84]) != TrailerMagic {
		return nil, extents, &CorruptError{Reason: "bad trailer magic"}
	}

	body := b[:len(b)-trailerSize]
	for i := 0; i < 4; i++ {
		off := binary.LittleEndian.Uint64(trailer[i*16:])
		length := binary.LittleEndian.Uint64(trailer[i*16+8:])
		if off < headerSize || off+length > uint64(len(body)) {
			return nil, extents, &CorruptError{Reason: fmt.Sprintf("section %d extent out of range", i)}
		}
		extents[i] = [2]uint64{off, length}
	}

	if got := xxh3.Hash(body[headerSize:]); got != binary.LittleEndian.Uint64(trailer[64:72]) {
		return nil, extents, &CorruptError{Reason: "block checksum mismatch"}
	}
	if got := xxh3.Hash(body); got != binary.LittleEndian.Uint64(trailer[72:80]) {
		return nil, extents, &CorruptError{Reason: "file checksum mismatch"}
	}

	return info, extents, nil
}

func floatBits(f float32) uint32     { return math.Float32bits(f) }
func floatFromBits(u uint32) float32 { return math.Float32frombits(u) }

func encodeIDs(ids []doc.ID) []byte {
	out := make([]byte, 0, len(ids)*idSize)
	for _, id := range ids {
		out = append(out, id[:]...)
	}
	return out
}

func decodeIDs(b []byte) ([]doc.ID, error) {
	if len(b)%idSize != 0 {
		return nil, fmt.Errorf("length %d not a multiple of %d", len(b), idSize)
	}
	ids := make([]doc.ID, len(b)/idSize)
	for i := range ids {
		copy(ids[i][:], b[i*idSize:])
	}
	return ids, nil
}

func encodeVectors(vecs []vector.Vector, dim uint32) []byte {
	out := make([]byte, 0, len(vecs)*int(dim)*4)
	var scratch [4]byte
	for _, v := range vecs {
		for _, x := range v {
			binary.LittleEndian.PutUint32(scratch[:], floatBits(x))
			out = append(out, scratch[:]...)
		}
	}
	return out
}

func decodeVectors(b []byte, dim, count uint32) ([]vector.Vector, error) {
	want := int(dim) * int(count) * 4
	if len(b) != want {
		return nil, fmt.Errorf("length %d, want %d", len(b), want)
	}
	vecs := make([]vector.Vector, count)
	off := 0
	for i := range vecs {
		v := make(vector.Vector, dim)
		for j := range v {
			v[j] = floatFromBits(binary.LittleEndian.Uint32(b[off:]))
			off += 4
		}
		vecs[i] = v
	}
	return vecs, nil
}

// Metadata block: null bitmap (ceil(count/8) bytes, bit set = payload
// present) followed by length-prefixed JSON for each present row.
func encodeMetadata(payloads []doc.Payload) []byte {
	bitmap := make([]byte, (len(payloads)+7)/8)
	size := len(bitmap)
	for i, p := range payloads {
		if len(p) > 0 {
			bitmap[i/8] |= 1 << (i % 8)
			size += 4 + len(p)
		}
	}

	out := make([]byte, 0, size)
	out = append(out, bitmap...)
	var scratch [4]byte
	for _, p := range payloads {
		if len(p) == 0 {
			continue
		}
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(p)))
		out = append(out, scratch[:]...)
		out = append(out, p...)
	}
	return out
}

func decodeMetadata(b []byte, count uint32) ([]doc.Payload, error) {
	bitmapLen := (int(count) + 7) / 8
	if len(b) < bitmapLen {
		return nil, fmt.Errorf("truncated null bitmap")
	}
	bitmap := b[:bitmapLen]
	off := bitmapLen

	payloads := make([]doc.Payload, count)
	for i := 0; i < int(count); i++ {
		if bitmap[i/8]&(1<<(i%8)) == 0 {
			continue
		}
		if off+4 > len(b) {
			return nil, fmt.Errorf("truncated payload length at row %d", i)
		}
		n := int(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if off+n > len(b) {
			return nil, fmt.Errorf("truncated payload at row %d", i)
		}
		payloads[i] = doc.Payload(append([]byte(nil), b[off:off+n]...))
		off += n
	}
	if off != len(b) {
		return nil, fmt.Errorf("%d trailing bytes", len(b)-off)
	}
	return payloads, nil
}
