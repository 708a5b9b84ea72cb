package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// CorruptError reports an unreadable record in the middle of the log, where
// truncation would lose acknowledged mutations. Fatal for the collection;
// operator intervention required.
type CorruptError struct {
	File   string
	Offset int64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt wal record in %s at offset %d: %s", e.File, e.Offset, e.Reason)
}

// errTorn marks a frame error that is attributable to a torn tail: the
// remaining bytes cannot hold a complete frame.
var errTorn = errors.New("wal: torn tail")

// Iterator reads records from one WAL file in order.
type Iterator struct {
	file   *os.File
	path   string
	offset int64
	record *Record
	err    error

	// tail relaxes corruption handling: a bad final frame ends iteration
	// cleanly at the last valid offset instead of reporting corruption. A
	// complete frame that fails its check with more bytes after it is still
	// corruption.
	tail bool

	validOffset int64
}

// NewIterator opens an iterator over the given WAL file. Set tail for the
// newest file of a log, where a torn final frame is expected after a crash.
func NewIterator(path string, tail bool) (*Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal file %s: %w", path, err)
	}
	return &Iterator{file: f, path: path, tail: tail}, nil
}

// Next advances to the next record. Returns false at end of file or error.
func (it *Iterator) Next() bool {
	rec, n, err := readFrame(it.file)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false
		}
		if it.tail {
			// A complete frame that fails its check with more bytes after
			// it is mid-log corruption, not a torn tail.
			if !errors.Is(err, errTorn) {
				pos, serr := it.file.Seek(0, io.SeekCurrent)
				st, ferr := it.file.Stat()
				if serr == nil && ferr == nil && pos > it.offset+frameHeaderSize && pos < st.Size() {
					it.err = &CorruptError{File: it.path, Offset: it.offset, Reason: err.Error()}
					return false
				}
			}
			// Torn tail: stop at the last valid record.
			return false
		}
		if errors.Is(err, errTorn) {
			// Short frame in a non-tail file still counts as corruption:
			// later files hold records past this point.
			it.err = &CorruptError{File: it.path, Offset: it.offset, Reason: "truncated frame"}
			return false
		}
		it.err = &CorruptError{File: it.path, Offset: it.offset, Reason: err.Error()}
		return false
	}
	it.offset += n
	it.validOffset = it.offset
	it.record = rec
	return true
}

// Record returns the current record.
func (it *Iterator) Record() *Record { return it.record }

// Err returns the terminal error, if any.
func (it *Iterator) Err() error { return it.err }

// ValidOffset returns the offset just past the last successfully read record.
func (it *Iterator) ValidOffset() int64 { return it.validOffset }

// Close releases the underlying file.
func (it *Iterator) Close() error { return it.file.Close() }

// readFrame reads one frame. Returns io.EOF cleanly at a frame boundary,
// errTorn when the remaining bytes cannot hold the advertised frame, and a
// descriptive error on CRC or decode failure.
func readFrame(r io.Reader) (*Record, int64, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, errTorn
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return nil, 0, errTorn
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	if length == 0 || length > MaxBodySize+1 {
		return nil, 0, fmt.Errorf("implausible frame length %d", length)
	}
	crc := binary.LittleEndian.Uint32(header[4:8])
	kind := Kind(header[8])

	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, errTorn
	}

	h := crc32.NewIEEE()
	_, _ = h.Write([]byte{byte(kind)})
	_, _ = h.Write(body)
	if h.Sum32() != crc {
		return nil, 0, fmt.Errorf("crc mismatch: computed 0x%X, stored 0x%X", h.Sum32(), crc)
	}

	rec, err := decodeBody(kind, body)
	if err != nil {
		return nil, 0, err
	}
	return rec, int64(frameHeaderSize) + int64(len(body)), nil
}

// scanFile walks one file and returns the highest record sequence, the
// highest checkpoint sequence, and the length of the valid prefix. For the
// tail file a bad final frame ends the scan; elsewhere, or when a complete
// bad frame has more bytes after it, it is CorruptError.
func scanFile(path string, tail bool) (maxSeq, maxCkpt uint64, validLen int64, err error) {
	it, err := NewIterator(path, tail)
	if err != nil {
		return 0, 0, 0, err
	}
	defer func() { _ = it.Close() }()

	for it.Next() {
		rec := it.Record()
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if rec.Kind == KindCheckpoint && rec.CheckpointSeq > maxCkpt {
			maxCkpt = rec.CheckpointSeq
		}
	}
	if err := it.Err(); err != nil {
		return 0, 0, 0, err
	}
	return maxSeq, maxCkpt, it.ValidOffset(), nil
}
