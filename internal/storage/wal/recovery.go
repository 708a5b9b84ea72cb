package wal

import (
	"fmt"
	"os"
	"time"
)

// RecoveryStats summarizes one recovery pass.
type RecoveryStats struct {
	FilesScanned  int
	Replayed      int
	Skipped       int // at or below the checkpoint
	CheckpointSeq uint64
	MaxSeq        uint64
	TornTail      bool
	Elapsed       time.Duration
}

// Replay scans the WAL in dir and invokes apply for every record past the
// last checkpoint, in sequence order. The newest file's torn tail (if any)
// is truncated; a bad record anywhere else is CorruptError and recovery
// stops without applying anything from the broken file onward.
//
// Two passes: the first finds the highest checkpoint, the second applies
// records above it. Checkpoints can land after the records they cover, so a
// single pass would replay records a later checkpoint retires.
func Replay(dir string, apply func(*Record) error) (*RecoveryStats, error) {
	start := time.Now()
	stats := &RecoveryStats{}

	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		stats.Elapsed = time.Since(start)
		return stats, nil
	}

	// Pass 1: locate the checkpoint and the torn tail.
	for i, f := range files {
		tail := i == len(files)-1
		_, ckpt, validLen, err := scanFile(f.Path, tail)
		if err != nil {
			return nil, err
		}
		if ckpt > stats.CheckpointSeq {
			stats.CheckpointSeq = ckpt
		}
		if tail {
			if stat, statErr := os.Stat(f.Path); statErr == nil && validLen < stat.Size() {
				stats.TornTail = true
				if err := os.Truncate(f.Path, validLen); err != nil {
					return nil, fmt.Errorf("truncate torn tail %s: %w", f.Path, err)
				}
			}
		}
	}

	// Pass 2: apply records past the checkpoint.
	for i, f := range files {
		tail := i == len(files)-1
		it, err := NewIterator(f.Path, tail)
		if err != nil {
			return nil, err
		}
		for it.Next() {
			rec := it.Record()
			if rec.Seq > stats.MaxSeq {
				stats.MaxSeq = rec.Seq
			}
			if rec.Kind == KindCheckpoint {
				continue
			}
			if rec.Seq <= stats.CheckpointSeq {
				stats.Skipped++
				continue
			}
			if err := apply(rec); err != nil {
				_ = it.Close()
				return nil, fmt.Errorf("apply record seq %d: %w", rec.Seq, err)
			}
			stats.Replayed++
		}
		if err := it.Err(); err != nil {
			_ = it.Close()
			return nil, err
		}
		_ = it.Close()
		stats.FilesScanned++
	}

	stats.Elapsed = time.Since(start)
	return stats, nil
}
