package database

// SandboxState is the lifecycle state of a sandbox as persisted by the
// platform. The accounting core only cares about membership in the two
// consume-sets below.
type SandboxState string

const (
	SandboxStateCreating   SandboxState = "creating"
	SandboxStateRestoring  SandboxState = "restoring"
	SandboxStateStarting   SandboxState = "starting"
	SandboxStateStarted    SandboxState = "started"
	SandboxStateStopping   SandboxState = "stopping"
	SandboxStateStopped    SandboxState = "stopped"
	SandboxStateArchiving  SandboxState = "archiving"
	SandboxStateArchived   SandboxState = "archived"
	SandboxStateDestroying SandboxState = "destroying"
	SandboxStateDestroyed  SandboxState = "destroyed"
	SandboxStateError      SandboxState = "error"
)

// SandboxStatesConsumingCompute holds the states in which a sandbox occupies
// CPU and memory on a runner. These sets are closed platform constants; do
// not derive them from runtime data.
var SandboxStatesConsumingCompute = []SandboxState{
	SandboxStateCreating,
	SandboxStateRestoring,
	SandboxStateStarting,
	SandboxStateStarted,
	SandboxStateStopping,
}

// SandboxStatesConsumingDisk is a superset of the compute set: a stopped or
// archiving sandbox still holds its backing disk.
var SandboxStatesConsumingDisk = []SandboxState{
	SandboxStateCreating,
	SandboxStateRestoring,
	SandboxStateStarting,
	SandboxStateStarted,
	SandboxStateStopping,
	SandboxStateStopped,
	SandboxStateArchiving,
}

func (s SandboxState) ConsumesCompute() bool {
	return containsState(SandboxStatesConsumingCompute, s)
}

func (s SandboxState) ConsumesDisk() bool {
	return containsState(SandboxStatesConsumingDisk, s)
}

type SnapshotState string

const (
	SnapshotStatePending     SnapshotState = "pending"
	SnapshotStateBuilding    SnapshotState = "building"
	SnapshotStateActive      SnapshotState = "active"
	SnapshotStateError       SnapshotState = "error"
	SnapshotStateBuildFailed SnapshotState = "build_failed"
	SnapshotStateRemoving    SnapshotState = "removing"
)

// SnapshotUsageIgnoredStates holds the states for which a snapshot does not
// count toward the organization's snapshot quota.
var SnapshotUsageIgnoredStates = []SnapshotState{
	SnapshotStateError,
	SnapshotStateBuildFailed,
	SnapshotStateRemoving,
}

// CountsTowardQuota reports whether a snapshot in this state occupies a slot
// of the snapshot_count quota.
func (s SnapshotState) CountsTowardQuota() bool {
	return !containsState(SnapshotUsageIgnoredStates, s)
}

type VolumeState string

const (
	VolumeStateCreating VolumeState = "creating"
	VolumeStateReady    VolumeState = "ready"
	VolumeStateDeleting VolumeState = "deleting"
	VolumeStateDeleted  VolumeState = "deleted"
	VolumeStateError    VolumeState = "error"
)

var VolumeUsageIgnoredStates = []VolumeState{
	VolumeStateDeleting,
	VolumeStateDeleted,
	VolumeStateError,
}

func (s VolumeState) CountsTowardQuota() bool {
	return !containsState(VolumeUsageIgnoredStates, s)
}

func containsState[S comparable](set []S, state S) bool {
	for _, s := range set {
		if s == state {
			return true
		}
	}
	return false
}

// Organization carries the per-organization quota limits alongside identity.
// Limits are upper bounds; current usage is tracked by the usage cache.
type Organization struct {
	ID                 string `db:"id" json:"id"`
	Name               string `db:"name" json:"name"`
	TotalCPUQuota      int64  `db:"total_cpu_quota" json:"total_cpu_quota"`
	TotalMemoryQuota   int64  `db:"total_memory_quota" json:"total_memory_quota"`
	TotalDiskQuota     int64  `db:"total_disk_quota" json:"total_disk_quota"`
	TotalSnapshotQuota int64  `db:"total_snapshot_quota" json:"total_snapshot_quota"`
	TotalVolumeQuota   int64  `db:"total_volume_quota" json:"total_volume_quota"`
}

// Sandbox is the projection of a sandbox row that the accounting core reads.
// CPU is in cores, Memory in GiB, Disk in GiB.
type Sandbox struct {
	ID             string       `db:"id" json:"id"`
	OrganizationID string       `db:"organization_id" json:"organization_id"`
	State          SandboxState `db:"state" json:"state"`
	CPU            int64        `db:"cpu" json:"cpu"`
	Memory         int64        `db:"memory" json:"memory"`
	Disk           int64        `db:"disk" json:"disk"`
}

type Snapshot struct {
	ID             string        `db:"id" json:"id"`
	OrganizationID string        `db:"organization_id" json:"organization_id"`
	State          SnapshotState `db:"state" json:"state"`
}

type Volume struct {
	ID             string      `db:"id" json:"id"`
	OrganizationID string      `db:"organization_id" json:"organization_id"`
	State          VolumeState `db:"state" json:"state"`
}

// SandboxUsageRow is the aggregate returned by GetSandboxUsageByOrganization.
type SandboxUsageRow struct {
	CPU    int64 `db:"cpu" json:"cpu"`
	Memory int64 `db:"memory" json:"memory"`
	Disk   int64 `db:"disk" json:"disk"`
}
