package storage

import "testing"

// TestInterfaceCompliance verifies MVCCStorage implements all interfaces
func TestInterfaceCompliance(t *testing.T) {
	var _ Storage = (*MVCCStorage)(nil)

	var _ SnapshotWriter = (*MVCCStorage)(nil)
	var _ SnapshotReader = (*MVCCStorage)(nil)
	var _ ArtifactReader = (*MVCCStorage)(nil)

	var _ Compactor = (*MVCCStorage)(nil)
	var _ StorageStats = (*MVCCStorage)(nil)
	var _ Lifecycle = (*MVCCStorage)(nil)
}
