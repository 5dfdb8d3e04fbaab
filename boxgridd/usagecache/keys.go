package usagecache

import "fmt"

// Kind names one quota counter of an organization.
type Kind string

const (
	KindCPU           Kind = "cpu"
	KindMemory        Kind = "memory"
	KindDisk          Kind = "disk"
	KindSnapshotCount Kind = "snapshot_count"
	KindVolumeCount   Kind = "volume_count"
)

// Family groups the kinds that share one staleness clock.
type Family string

const (
	FamilySandbox  Family = "sandbox"
	FamilySnapshot Family = "snapshot"
	FamilyVolume   Family = "volume"
)

// Family returns the resource family the kind belongs to. The mapping is
// fixed: cpu/memory/disk roll up to the sandbox family, the counting kinds
// each form their own.
func (k Kind) Family() Family {
	switch k {
	case KindSnapshotCount:
		return FamilySnapshot
	case KindVolumeCount:
		return FamilyVolume
	default:
		return FamilySandbox
	}
}

// Kinds returns the confirmed counters of the family, in key order.
func (f Family) Kinds() []Kind {
	switch f {
	case FamilySnapshot:
		return []Kind{KindSnapshotCount}
	case FamilyVolume:
		return []Kind{KindVolumeCount}
	default:
		return []Kind{KindCPU, KindMemory, KindDisk}
	}
}

// PendingKinds are the kinds that support pending reservations.
var PendingKinds = []Kind{KindCPU, KindMemory, KindDisk}

// UsageKey is the confirmed counter key for one (organization, kind).
// The layout is documented for operators; external tooling reads these.
func UsageKey(organizationID string, kind Kind) string {
	return fmt.Sprintf("org:%s:quota:%s:usage", organizationID, kind)
}

// PendingKey is the pending reservation counter for one of cpu/memory/disk.
func PendingKey(organizationID string, kind Kind) string {
	return fmt.Sprintf("org:%s:pending-%s", organizationID, kind)
}

// FetchedAtKey records, in epoch milliseconds, when the family's confirmed
// counters were last rehydrated from the source of truth.
func FetchedAtKey(organizationID string, family Family) string {
	return fmt.Sprintf("org:%s:resource:%s:usage:fetched_at", organizationID, family)
}
