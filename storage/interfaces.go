package storage

import (
	"context"

	"github.com/yairfalse/cellar/pkg/topology"
)

// SnapshotWriter records synthesized topologies
type SnapshotWriter interface {
	RecordSnapshot(t *topology.Topology) (revision int64, err error)
}

// SnapshotReader queries recorded topologies
type SnapshotReader interface {
	Snapshot(revision int64) (*Snapshot, error)
	Latest() (*Snapshot, error)
	Revisions() ([]SnapshotInfo, error)
}

// ArtifactReader queries per-artifact history
type ArtifactReader interface {
	ArtifactState(logicalID string) (*ArtifactState, error)
	ArtifactStateAt(logicalID string, revision int64) (*ArtifactState, error)
	ArtifactsByKind(kind topology.Kind) []*ArtifactState
}

// Compactor handles storage compaction
type Compactor interface {
	Compact(keepRevisions int64) error
	CompactWithContext(ctx context.Context, keepRevisions int64) error
}

// StorageStats provides operational metrics
type StorageStats interface {
	Stats() (artifactCount int, currentRev int64, dbSizeBytes int64)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Storage is the complete storage interface combining all capabilities
type Storage interface {
	SnapshotWriter
	SnapshotReader
	ArtifactReader
	Compactor
	StorageStats
	Lifecycle
	CurrentRevision() int64
}

var _ Storage = (*MVCCStorage)(nil)
