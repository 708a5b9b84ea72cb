// Package segment implements the immutable SEGv1 on-disk segment format.
package segment

import (
	"time"

	"github.com/aifocal/akidb/internal/vector"
	"github.com/google/uuid"
)

// State is the lifecycle state of a segment.
type State string

// Segment lifecycle: Open (buffered in memory) -> Sealed (immutable bytes on
// the local tier) -> Uploaded (also on the remote tier) -> Tombstoned
// (scheduled for deletion after a grace period).
const (
	StateOpen       State = "open"
	StateSealed     State = "sealed"
	StateUploaded   State = "uploaded"
	StateTombstoned State = "tombstoned"
)

// Descriptor is the manifest-resident metadata for one immutable segment.
// Segments within a collection are totally ordered by Seq.
type Descriptor struct {
	ID             uuid.UUID     `json:"id"`
	Collection     string        `json:"collection"`
	VectorCount    uint32        `json:"vector_count"`
	TombstoneCount uint32        `json:"tombstone_count"`
	Dimension      uint32        `json:"dimension"`
	Metric         vector.Metric `json:"metric"`
	SizeBytes      int64         `json:"size_bytes"`
	Checksum       string        `json:"checksum"`
	State          State         `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	Seq            uint64        `json:"seq"`

	// WALSeq is the highest write-ahead log sequence materialized into
	// this segment; recovery skips records at or below it. Zero for
	// compaction outputs, whose rows were checkpointed by their sources.
	WALSeq uint64 `json:"wal_seq"`
}

// Live reports whether the segment still participates in queries.
func (d *Descriptor) Live() bool {
	return d.State != StateTombstoned
}

// Durable reports whether the segment bytes have reached the remote tier.
func (d *Descriptor) Durable() bool {
	return d.State == StateUploaded
}
