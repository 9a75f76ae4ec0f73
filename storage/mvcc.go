package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/cellar/pkg/topology"
)

// Bucket names in bbolt
var (
	bucketSnapshots    = []byte("snapshots")
	bucketObservations = []byte("observations")
	bucketMeta         = []byte("meta")
)

var keyCurrentRevision = []byte("current_revision")

// ErrNotFound is returned when a revision or artifact is unknown.
var ErrNotFound = errors.New("not found")

// MVCCStorage keeps every synthesized topology as a numbered revision, etcd
// style, plus a per-artifact history keyed by logical ID.
type MVCCStorage struct {
	mu sync.RWMutex

	// In-memory index for fast lookups
	index *btree.BTreeG[*ArtifactState]

	// On-disk storage
	db *bbolt.DB

	// Current revision number
	currentRev int64

	// Path to storage directory
	dir string
}

// ArtifactState tracks an artifact across revisions.
type ArtifactState struct {
	LogicalID      string        `json:"logical_id"`
	Kind           topology.Kind `json:"kind"`
	Name           string        `json:"name"`
	FirstSeenRev   int64         `json:"first_seen_rev"`
	LastSeenRev    int64         `json:"last_seen_rev"`
	DisappearedRev int64         `json:"disappeared_rev,omitempty"`
	Exists         bool          `json:"exists"`
}

// Snapshot is one recorded topology.
type Snapshot struct {
	Revision   int64              `json:"revision"`
	RecordedAt time.Time          `json:"recorded_at"`
	Cluster    string             `json:"cluster"`
	Digest     string             `json:"digest"`
	Topology   *topology.Topology `json:"topology"`
}

// SnapshotInfo summarizes a snapshot without its topology.
type SnapshotInfo struct {
	Revision   int64     `json:"revision"`
	RecordedAt time.Time `json:"recorded_at"`
	Cluster    string    `json:"cluster"`
	Digest     string    `json:"digest"`
	Cells      int       `json:"cells"`
	Artifacts  int       `json:"artifacts"`
}

// observation is the per-artifact record written at every revision.
type observation struct {
	LogicalID string        `json:"logical_id"`
	Kind      topology.Kind `json:"kind,omitempty"`
	Name      string        `json:"name,omitempty"`
	Tombstone bool          `json:"tombstone,omitempty"`
}

// NewMVCCStorage opens or creates the snapshot database in dir.
func NewMVCCStorage(dir string) (*MVCCStorage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	dbPath := filepath.Join(dir, "cellar.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketSnapshots, bucketObservations, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	storage := &MVCCStorage{
		index: btree.NewG[*ArtifactState](32, func(a, b *ArtifactState) bool {
			return a.LogicalID < b.LogicalID
		}),
		db:  db,
		dir: dir,
	}

	if err := storage.loadRevision(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := storage.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return storage, nil
}

// Close closes the storage
func (s *MVCCStorage) Close() error {
	return s.db.Close()
}

// RecordSnapshot stores t as a new revision. Artifacts missing from t that
// existed at the previous revision are tombstoned.
func (s *MVCCStorage) RecordSnapshot(t *topology.Topology) (int64, error) {
	if t == nil {
		return 0, fmt.Errorf("failed to record snapshot: topology is nil")
	}
	digest, err := Digest(t)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	snap := Snapshot{
		Revision:   rev,
		RecordedAt: time.Now().UTC(),
		Cluster:    t.Cluster.Name,
		Digest:     digest,
		Topology:   t,
	}

	artifacts := t.Artifacts()
	present := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		present[a.LogicalID] = true
	}

	var gone []string
	s.index.Ascend(func(state *ArtifactState) bool {
		if state.Exists && !present[state.LogicalID] {
			gone = append(gone, state.LogicalID)
		}
		return true
	})

	err = s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshots).Put(revisionKey(rev), value); err != nil {
			return err
		}

		bucket := tx.Bucket(bucketObservations)
		for _, a := range artifacts {
			if err := putObservation(bucket, rev, observation{LogicalID: a.LogicalID, Kind: a.Kind, Name: a.Name}); err != nil {
				return err
			}
		}
		for _, id := range gone {
			if err := putObservation(bucket, rev, observation{LogicalID: id, Tombstone: true}); err != nil {
				return err
			}
		}

		// Update meta
		return tx.Bucket(bucketMeta).Put(keyCurrentRevision, int64ToBytes(rev))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record snapshot: %w", err)
	}

	s.currentRev = rev
	for _, a := range artifacts {
		s.observe(observation{LogicalID: a.LogicalID, Kind: a.Kind, Name: a.Name}, rev)
	}
	for _, id := range gone {
		s.observe(observation{LogicalID: id, Tombstone: true}, rev)
	}

	return rev, nil
}

// Snapshot returns the topology recorded at rev.
func (s *MVCCStorage) Snapshot(rev int64) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap *Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get(revisionKey(rev))
		if data == nil {
			return fmt.Errorf("revision %d: %w", rev, ErrNotFound)
		}
		snap = &Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Latest returns the newest snapshot, or ErrNotFound when none was recorded.
func (s *MVCCStorage) Latest() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap *Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, data := tx.Bucket(bucketSnapshots).Cursor().Last()
		if data == nil {
			return fmt.Errorf("latest snapshot: %w", ErrNotFound)
		}
		snap = &Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Revisions lists the retained snapshots, oldest first.
func (s *MVCCStorage) Revisions() ([]SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []SnapshotInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(_, v []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			info := SnapshotInfo{
				Revision:   snap.Revision,
				RecordedAt: snap.RecordedAt,
				Cluster:    snap.Cluster,
				Digest:     snap.Digest,
			}
			if snap.Topology != nil {
				info.Cells = len(snap.Topology.Cells)
				info.Artifacts = len(snap.Topology.Artifacts())
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// ArtifactState gets the current state of an artifact.
func (s *MVCCStorage) ArtifactState(logicalID string) (*ArtifactState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, found := s.index.Get(&ArtifactState{LogicalID: logicalID})
	if !found {
		return nil, fmt.Errorf("artifact %s: %w", logicalID, ErrNotFound)
	}

	cp := *existing
	return &cp, nil
}

// ArtifactStateAt gets the state of an artifact as of a revision.
func (s *MVCCStorage) ArtifactStateAt(logicalID string, revision int64) (*ArtifactState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result *ArtifactState

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketObservations).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			rev, id, ok := parseObservationKey(k)
			if !ok || id != logicalID || rev > revision {
				continue
			}
			var obs observation
			if err := json.Unmarshal(v, &obs); err != nil {
				return err
			}
			if result == nil {
				result = &ArtifactState{LogicalID: logicalID, FirstSeenRev: rev}
			}
			if obs.Tombstone {
				result.Exists = false
				result.DisappearedRev = rev
				continue
			}
			if !result.Exists && result.DisappearedRev != 0 {
				result.DisappearedRev = 0
			}
			result.Kind = obs.Kind
			result.Name = obs.Name
			result.LastSeenRev = rev
			result.Exists = true
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, fmt.Errorf("artifact %s at revision %d: %w", logicalID, revision, ErrNotFound)
	}

	return result, nil
}

// ArtifactsByKind returns the existing artifacts of a kind.
func (s *MVCCStorage) ArtifactsByKind(kind topology.Kind) []*ArtifactState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*ArtifactState
	s.index.Ascend(func(state *ArtifactState) bool {
		if state.Kind == kind && state.Exists {
			cp := *state
			results = append(results, &cp)
		}
		return true
	})

	return results
}

// CurrentRevision returns the current revision number
func (s *MVCCStorage) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Compact removes snapshots and observations older than the newest
// keepRevisions revisions. The artifact index is left intact.
func (s *MVCCStorage) Compact(keepRevisions int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.currentRev - keepRevisions + 1
	if keepRevisions <= 0 || cutoff <= 1 {
		return nil // Nothing to compact
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		snapshots := tx.Bucket(bucketSnapshots)
		var snapKeys [][]byte
		c := snapshots.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			rev, err := strconv.ParseInt(string(k), 10, 64)
			if err == nil && rev < cutoff {
				snapKeys = append(snapKeys, k)
			}
		}
		for _, key := range snapKeys {
			if err := snapshots.Delete(key); err != nil {
				return err
			}
		}

		observations := tx.Bucket(bucketObservations)
		var obsKeys [][]byte
		c = observations.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			rev, _, ok := parseObservationKey(k)
			if ok && rev < cutoff {
				obsKeys = append(obsKeys, k)
			}
		}
		for _, key := range obsKeys {
			if err := observations.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
}

// CompactWithContext is Compact with cancellation checked before the write.
func (s *MVCCStorage) CompactWithContext(ctx context.Context, keepRevisions int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Compact(keepRevisions)
}

// Stats returns the number of tracked artifacts, the current revision and
// the database file size.
func (s *MVCCStorage) Stats() (int, int64, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var size int64
	_ = s.db.View(func(tx *bbolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return s.index.Len(), s.currentRev, size
}

// Digest is a content hash of the topology used to spot unchanged revisions.
func Digest(t *topology.Topology) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to hash topology: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Helper functions

func (s *MVCCStorage) observe(obs observation, rev int64) {
	existing, found := s.index.Get(&ArtifactState{LogicalID: obs.LogicalID})

	if obs.Tombstone {
		if found {
			existing.Exists = false
			existing.DisappearedRev = rev
			s.index.ReplaceOrInsert(existing)
		}
		return
	}

	if !found {
		existing = &ArtifactState{
			LogicalID:    obs.LogicalID,
			FirstSeenRev: rev,
		}
	}
	existing.Kind = obs.Kind
	existing.Name = obs.Name
	existing.LastSeenRev = rev
	existing.Exists = true
	existing.DisappearedRev = 0

	s.index.ReplaceOrInsert(existing)
}

func (s *MVCCStorage) loadRevision() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyCurrentRevision)
		if data != nil {
			s.currentRev = bytesToInt64(data)
		}
		return nil
	})
}

// rebuildIndex replays every retained observation in revision order.
func (s *MVCCStorage) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObservations).ForEach(func(k, v []byte) error {
			rev, _, ok := parseObservationKey(k)
			if !ok {
				return nil
			}
			var obs observation
			if err := json.Unmarshal(v, &obs); err != nil {
				return fmt.Errorf("failed to decode observation %s: %w", k, err)
			}
			s.observe(obs, rev)
			return nil
		})
	})
}

func putObservation(bucket *bbolt.Bucket, rev int64, obs observation) error {
	value, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	return bucket.Put(makeObservationKey(rev, obs.LogicalID), value)
}

// revisionKey is zero padded so that bbolt's byte order is revision order.
func revisionKey(rev int64) []byte {
	return []byte(fmt.Sprintf("%016d", rev))
}

func makeObservationKey(rev int64, logicalID string) []byte {
	return []byte(fmt.Sprintf("%016d:%s", rev, logicalID))
}

func parseObservationKey(key []byte) (int64, string, bool) {
	revPart, id, ok := strings.Cut(string(key), ":")
	if !ok {
		return 0, "", false
	}
	rev, err := strconv.ParseInt(revPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return rev, id, true
}

func int64ToBytes(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func bytesToInt64(b []byte) int64 {
	n, _ := strconv.ParseInt(string(b), 10, 64)
	return n
}
