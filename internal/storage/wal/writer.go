package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aifocal/akidb/internal/doc"
)

// DefaultMaxFileSize is the rotation threshold for one WAL file (64MB).
const DefaultMaxFileSize = 64 * 1024 * 1024

// Writer is the single-writer append head of a collection's WAL. Append
// flushes to durable storage before returning; the caller's mutation is not
// acknowledged until the fsync completes.
type Writer struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	fileSeq  uint64 // id of the current log file
	nextSeq  uint64 // next record sequence number to assign
	offset   int64
	total    int64 // bytes across all live log files
	maxSize  int64
	lastCkpt uint64
	closed   bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithMaxFileSize sets the per-file rotation threshold.
func WithMaxFileSize(size int64) WriterOption {
	return func(w *Writer) { w.maxSize = size }
}

// Open opens (or creates) the WAL in dir and positions the writer after the
// last valid record. A torn tail in the newest file is truncated here, the
// same scan recovery performs.
func Open(dir string, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	w := &Writer{dir: dir, fileSeq: 1, nextSeq: 1, maxSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(w)
	}

	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		last := files[len(files)-1]
		w.fileSeq = last.Seq

		// Scan everything to find the max record sequence and total size.
		// The newest file gets its torn tail truncated.
		for i, f := range files {
			tail := i == len(files)-1
			maxSeq, ckpt, validLen, err := scanFile(f.Path, tail)
			if err != nil {
				return nil, err
			}
			if tail {
				if stat, statErr := os.Stat(f.Path); statErr == nil && validLen < stat.Size() {
					if err := os.Truncate(f.Path, validLen); err != nil {
						return nil, fmt.Errorf("truncate torn tail %s: %w", f.Path, err)
					}
				}
			}
			if maxSeq >= w.nextSeq {
				w.nextSeq = maxSeq + 1
			}
			if ckpt > w.lastCkpt {
				w.lastCkpt = ckpt
			}
			w.total += validLen
		}
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openFile() error {
	path := FilePath(w.dir, w.fileSeq)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wal file %s: %w", path, err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat wal file %s: %w", path, err)
	}
	w.file = f
	w.offset = stat.Size()
	return nil
}

// FilePath returns the path of a WAL file by its file sequence number.
func FilePath(dir string, fileSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.log", fileSeq))
}

// FileInfo identifies one WAL file on disk.
type FileInfo struct {
	Seq  uint64
	Path string
}

// ListFiles returns the WAL files in dir ordered by file sequence.
func ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read wal directory: %w", err)
	}
	var files []FileInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 16, 64)
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Seq: seq, Path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Seq < files[j].Seq })
	return files, nil
}

// AppendInsert logs an insert and returns its assigned sequence number.
func (w *Writer) AppendInsert(d doc.Document) (uint64, error) {
	return w.append(&Record{Kind: KindInsert, Doc: d})
}

// AppendDelete logs a delete and returns its assigned sequence number.
func (w *Writer) AppendDelete(id doc.ID) (uint64, error) {
	return w.append(&Record{Kind: KindDelete, Doc: doc.Document{ID: id}})
}

// AppendCheckpoint records that all mutations up to and including seq are
// materialized in sealed segments; recovery skips records at or below it.
func (w *Writer) AppendCheckpoint(seq uint64) error {
	_, err := w.append(&Record{Kind: KindCheckpoint, CheckpointSeq: seq})
	if err == nil {
		w.mu.Lock()
		if seq > w.lastCkpt {
			w.lastCkpt = seq
		}
		w.mu.Unlock()
	}
	return err
}

func (w *Writer) append(r *Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("wal writer is closed")
	}

	r.Seq = w.nextSeq
	frame, err := EncodeFrame(r)
	if err != nil {
		return 0, fmt.Errorf("encode wal record: %w", err)
	}

	n, err := w.file.Write(frame)
	if err != nil {
		return 0, fmt.Errorf("write wal record: %w", err)
	}
	if n != len(frame) {
		return 0, fmt.Errorf("short wal write: %d < %d", n, len(frame))
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync wal: %w", err)
	}

	w.nextSeq++
	w.offset += int64(n)
	w.total += int64(n)

	if w.offset >= w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate wal file: %w", err)
		}
	}
	return r.Seq, nil
}

func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.fileSeq++
	return w.openFile()
}

// PruneThrough deletes WAL files whose records are all at or below seq.
// Called after a checkpoint lands; records past the checkpoint stay put.
func (w *Writer) PruneThrough(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := ListFiles(w.dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Seq == w.fileSeq {
			continue // never prune the active file
		}
		maxSeq, _, size, err := scanFile(f.Path, false)
		if err != nil {
			return err
		}
		if maxSeq <= seq {
			if err := os.Remove(f.Path); err != nil {
				return fmt.Errorf("prune wal file %s: %w", f.Path, err)
			}
			w.total -= size
		}
	}
	return nil
}

// NextSeq returns the next sequence number to be assigned.
func (w *Writer) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// LastCheckpoint returns the highest checkpointed sequence number.
func (w *Writer) LastCheckpoint() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCkpt
}

// SizeBytes returns the total bytes across live WAL files.
func (w *Writer) SizeBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// Dir returns the WAL directory.
func (w *Writer) Dir() string { return w.dir }

// Close flushes and closes the active file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync wal on close: %w", err)
		}
		return w.file.Close()
	}
	return nil
}
