// Package dbmem is an in-memory implementation of database.Store used by
// unit tests.
package dbmem

import (
	"context"
	"database/sql"
	"sync"

	"github.com/boxgrid/boxgrid/boxgridd/database"
)

// New returns an in-memory fake of the projection store.
func New() *DB {
	return &DB{}
}

type DB struct {
	mutex         sync.RWMutex
	organizations []database.Organization
	sandboxes     []database.Sandbox
	snapshots     []database.Snapshot
	volumes       []database.Volume
}

var _ database.Store = (*DB)(nil)

func (db *DB) GetOrganizationByID(_ context.Context, id string) (database.Organization, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	for _, org := range db.organizations {
		if org.ID == id {
			return org, nil
		}
	}
	return database.Organization{}, sql.ErrNoRows
}

func (db *DB) GetSandboxByID(_ context.Context, id string) (database.Sandbox, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	for _, sb := range db.sandboxes {
		if sb.ID == id {
			return sb, nil
		}
	}
	return database.Sandbox{}, sql.ErrNoRows
}

func (db *DB) GetSandboxUsageByOrganization(_ context.Context, organizationID string) (database.SandboxUsageRow, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	var row database.SandboxUsageRow
	for _, sb := range db.sandboxes {
		if sb.OrganizationID != organizationID {
			continue
		}
		if sb.State.ConsumesCompute() {
			row.CPU += sb.CPU
			row.Memory += sb.Memory
		}
		if sb.State.ConsumesDisk() {
			row.Disk += sb.Disk
		}
	}
	return row, nil
}

func (db *DB) GetSnapshotCountByOrganization(_ context.Context, organizationID string) (int64, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	var count int64
	for _, snap := range db.snapshots {
		if snap.OrganizationID == organizationID && snap.State.CountsTowardQuota() {
			count++
		}
	}
	return count, nil
}

func (db *DB) GetVolumeCountByOrganization(_ context.Context, organizationID string) (int64, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	var count int64
	for _, vol := range db.volumes {
		if vol.OrganizationID == organizationID && vol.State.CountsTowardQuota() {
			count++
		}
	}
	return count, nil
}

// InsertOrganization seeds an organization row.
func (db *DB) InsertOrganization(org database.Organization) database.Organization {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.organizations = append(db.organizations, org)
	return org
}

// InsertSandbox seeds a sandbox row.
func (db *DB) InsertSandbox(sb database.Sandbox) database.Sandbox {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.sandboxes = append(db.sandboxes, sb)
	return sb
}

// UpdateSandboxState replaces the persisted state of a sandbox. No-op when
// the sandbox does not exist.
func (db *DB) UpdateSandboxState(id string, state database.SandboxState) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	for i := range db.sandboxes {
		if db.sandboxes[i].ID == id {
			db.sandboxes[i].State = state
			return
		}
	}
}

func (db *DB) InsertSnapshot(snap database.Snapshot) database.Snapshot {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.snapshots = append(db.snapshots, snap)
	return snap
}

func (db *DB) UpdateSnapshotState(id string, state database.SnapshotState) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	for i := range db.snapshots {
		if db.snapshots[i].ID == id {
			db.snapshots[i].State = state
			return
		}
	}
}

func (db *DB) InsertVolume(vol database.Volume) database.Volume {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.volumes = append(db.volumes, vol)
	return vol
}

func (db *DB) UpdateVolumeState(id string, state database.VolumeState) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	for i := range db.volumes {
		if db.volumes[i].ID == id {
			db.volumes[i].State = state
			return
		}
	}
}
