// Package quotausage is the public façade of the quota accounting core.
//
// Reads resolve cache-first: a fresh confirmed family is returned as-is,
// otherwise the caller takes the family's fetch lock, rechecks (another
// replica may have rehydrated meanwhile) and falls back to one aggregation
// query against the source of truth, writing the result through the cache
// before returning it. The aggregation can take long enough on large
// organizations to hurt the admission hot path, which is the whole reason
// the cache exists.
package quotausage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/boxgrid/boxgrid/boxgridd/database"
	"github.com/boxgrid/boxgrid/boxgridd/redislock"
	"github.com/boxgrid/boxgrid/boxgridd/usagecache"
)

var (
	// ErrNotFound is returned when the organization does not exist.
	ErrNotFound = xerrors.New("organization not found")
	// ErrBadRequest is returned when a caller-supplied organization object
	// does not match the requested id.
	ErrBadRequest = xerrors.New("organization id mismatch")
)

// DefaultFetchLockTTL bounds how long a crashed rehydrater can block the
// family's fetch lock.
const DefaultFetchLockTTL = 30 * time.Second

type Options struct {
	// FetchLockTTL is the expiry on the per-family rehydrate lock.
	FetchLockTTL time.Duration
	// Metrics, if set, receives rehydrate and lock-timeout counts.
	Metrics *Metrics
}

type Service struct {
	db      database.Store
	cache   *usagecache.Cache
	locks   *redislock.Provider
	log     slog.Logger
	lockTTL time.Duration
	metrics *Metrics
}

func New(db database.Store, cache *usagecache.Cache, locks *redislock.Provider, log slog.Logger, opts Options) *Service {
	if opts.FetchLockTTL <= 0 {
		opts.FetchLockTTL = DefaultFetchLockTTL
	}
	return &Service{
		db:      db,
		cache:   cache,
		locks:   locks,
		log:     log,
		lockTTL: opts.FetchLockTTL,
		metrics: opts.Metrics,
	}
}

// Overview merges the organization's quota limits with its current usage
// across all three resource families.
type Overview struct {
	TotalCPUQuota      int64 `json:"total_cpu_quota"`
	TotalMemoryQuota   int64 `json:"total_memory_quota"`
	TotalDiskQuota     int64 `json:"total_disk_quota"`
	TotalSnapshotQuota int64 `json:"total_snapshot_quota"`
	TotalVolumeQuota   int64 `json:"total_volume_quota"`

	CurrentCPUUsage      int64 `json:"current_cpu_usage"`
	CurrentMemoryUsage   int64 `json:"current_memory_usage"`
	CurrentDiskUsage     int64 `json:"current_disk_usage"`
	CurrentSnapshotUsage int64 `json:"current_snapshot_usage"`
	CurrentVolumeUsage   int64 `json:"current_volume_usage"`
}

type SandboxUsageOverview struct {
	CurrentCPUUsage    int64 `json:"current_cpu_usage"`
	CurrentMemoryUsage int64 `json:"current_memory_usage"`
	CurrentDiskUsage   int64 `json:"current_disk_usage"`
}

// SandboxUsageOverviewWithPending adds the reservation tier. A nil pending
// field means the counter is absent, which admission treats as zero.
type SandboxUsageOverviewWithPending struct {
	SandboxUsageOverview
	PendingCPUUsage    *int64 `json:"pending_cpu_usage"`
	PendingMemoryUsage *int64 `json:"pending_memory_usage"`
	PendingDiskUsage   *int64 `json:"pending_disk_usage"`
}

// PendingIncrementResult records which kinds were actually reserved, so the
// caller can surgically release exactly those on rollback.
type PendingIncrementResult struct {
	CPUIncremented    bool `json:"cpu_incremented"`
	MemoryIncremented bool `json:"memory_incremented"`
	DiskIncremented   bool `json:"disk_incremented"`
}

// GetUsageOverview returns quota limits merged with current usage for all
// three families. The optional org parameter lets callers that already
// loaded the organization skip the lookup; a mismatched id fails with
// ErrBadRequest.
func (s *Service) GetUsageOverview(ctx context.Context, organizationID string, org *database.Organization) (Overview, error) {
	if org != nil && org.ID != organizationID {
		return Overview{}, xerrors.Errorf("requested %q but got organization %q: %w", organizationID, org.ID, ErrBadRequest)
	}
	if org == nil {
		fetched, err := s.db.GetOrganizationByID(ctx, organizationID)
		if xerrors.Is(err, sql.ErrNoRows) {
			return Overview{}, xerrors.Errorf("organization %q: %w", organizationID, ErrNotFound)
		}
		if err != nil {
			return Overview{}, xerrors.Errorf("get organization: %w", err)
		}
		org = &fetched
	}

	sandbox, err := s.familyUsage(ctx, organizationID, usagecache.FamilySandbox)
	if err != nil {
		return Overview{}, err
	}
	snapshots, err := s.familyUsage(ctx, organizationID, usagecache.FamilySnapshot)
	if err != nil {
		return Overview{}, err
	}
	volumes, err := s.familyUsage(ctx, organizationID, usagecache.FamilyVolume)
	if err != nil {
		return Overview{}, err
	}

	return Overview{
		TotalCPUQuota:      org.TotalCPUQuota,
		TotalMemoryQuota:   org.TotalMemoryQuota,
		TotalDiskQuota:     org.TotalDiskQuota,
		TotalSnapshotQuota: org.TotalSnapshotQuota,
		TotalVolumeQuota:   org.TotalVolumeQuota,

		CurrentCPUUsage:      sandbox[usagecache.KindCPU],
		CurrentMemoryUsage:   sandbox[usagecache.KindMemory],
		CurrentDiskUsage:     sandbox[usagecache.KindDisk],
		CurrentSnapshotUsage: snapshots[usagecache.KindSnapshotCount],
		CurrentVolumeUsage:   volumes[usagecache.KindVolumeCount],
	}, nil
}

// GetSandboxUsageOverview returns the organization's confirmed sandbox
// usage. When excludeSandboxID is non-empty, that sandbox's contribution
// (based on its current state's consume-set membership) is subtracted and
// the result clamped at zero, so callers can preview an update as "usage
// without this sandbox" plus the proposed figures.
func (s *Service) GetSandboxUsageOverview(ctx context.Context, organizationID, excludeSandboxID string) (SandboxUsageOverview, error) {
	values, err := s.familyUsage(ctx, organizationID, usagecache.FamilySandbox)
	if err != nil {
		return SandboxUsageOverview{}, err
	}
	overview := SandboxUsageOverview{
		CurrentCPUUsage:    values[usagecache.KindCPU],
		CurrentMemoryUsage: values[usagecache.KindMemory],
		CurrentDiskUsage:   values[usagecache.KindDisk],
	}
	return s.applyExclusion(ctx, organizationID, excludeSandboxID, overview)
}

// GetSnapshotUsageOverview returns the organization's confirmed snapshot
// count.
func (s *Service) GetSnapshotUsageOverview(ctx context.Context, organizationID string) (int64, error) {
	values, err := s.familyUsage(ctx, organizationID, usagecache.FamilySnapshot)
	if err != nil {
		return 0, err
	}
	return values[usagecache.KindSnapshotCount], nil
}

// GetVolumeUsageOverview returns the organization's confirmed volume count.
func (s *Service) GetVolumeUsageOverview(ctx context.Context, organizationID string) (int64, error) {
	values, err := s.familyUsage(ctx, organizationID, usagecache.FamilyVolume)
	if err != nil {
		return 0, err
	}
	return values[usagecache.KindVolumeCount], nil
}

// GetSandboxUsageOverviewWithPending returns confirmed sandbox usage
// alongside pending reservations. On a cache hit the six cache keys are
// read in one atomic step so the dual view is never torn; on a miss the
// confirmed side is rehydrated and the pending counters are read
// afterwards in a separate step. Exclusion adjusts only the
// confirmed side; reservations are not attributable to a sandbox.
func (s *Service) GetSandboxUsageOverviewWithPending(ctx context.Context, organizationID, excludeSandboxID string) (SandboxUsageOverviewWithPending, error) {
	confirmed, pending, hit, err := s.cache.SandboxUsageWithPending(ctx, organizationID)
	if err != nil {
		return SandboxUsageOverviewWithPending{}, err
	}
	overview := SandboxUsageOverview{
		CurrentCPUUsage:    confirmed.CPU,
		CurrentMemoryUsage: confirmed.Memory,
		CurrentDiskUsage:   confirmed.Disk,
	}
	if !hit {
		values, err := s.rehydrateFamily(ctx, organizationID, usagecache.FamilySandbox)
		if err != nil {
			return SandboxUsageOverviewWithPending{}, err
		}
		overview = SandboxUsageOverview{
			CurrentCPUUsage:    values[usagecache.KindCPU],
			CurrentMemoryUsage: values[usagecache.KindMemory],
			CurrentDiskUsage:   values[usagecache.KindDisk],
		}
		pending, err = s.cache.Pending(ctx, organizationID)
		if err != nil {
			return SandboxUsageOverviewWithPending{}, err
		}
	}
	overview, err = s.applyExclusion(ctx, organizationID, excludeSandboxID, overview)
	if err != nil {
		return SandboxUsageOverviewWithPending{}, err
	}
	return SandboxUsageOverviewWithPending{
		SandboxUsageOverview: overview,
		PendingCPUUsage:      pending.CPU,
		PendingMemoryUsage:   pending.Memory,
		PendingDiskUsage:     pending.Disk,
	}, nil
}

// IncrementPendingSandboxUsage reserves headroom ahead of a sandbox
// create or update. When excludeSandboxID names a sandbox whose current
// state already consumes a kind, that kind is skipped: its resources are
// already counted in confirmed usage. The returned booleans tell the
// caller exactly which kinds to release on rollback.
func (s *Service) IncrementPendingSandboxUsage(ctx context.Context, organizationID string, cpu, memory, disk int64, excludeSandboxID string) (PendingIncrementResult, error) {
	skipCompute, skipDisk := false, false
	if excludeSandboxID != "" {
		sb, err := s.db.GetSandboxByID(ctx, excludeSandboxID)
		if err != nil && !xerrors.Is(err, sql.ErrNoRows) {
			return PendingIncrementResult{}, xerrors.Errorf("get excluded sandbox: %w", err)
		}
		if err == nil && sb.OrganizationID == organizationID {
			skipCompute = sb.State.ConsumesCompute()
			skipDisk = sb.State.ConsumesDisk()
		}
	}

	var (
		kinds   []usagecache.Kind
		amounts []int64
		result  PendingIncrementResult
	)
	if !skipCompute {
		kinds = append(kinds, usagecache.KindCPU, usagecache.KindMemory)
		amounts = append(amounts, cpu, memory)
		result.CPUIncremented = true
		result.MemoryIncremented = true
	}
	if !skipDisk {
		kinds = append(kinds, usagecache.KindDisk)
		amounts = append(amounts, disk)
		result.DiskIncremented = true
	}
	if len(kinds) == 0 {
		return result, nil
	}

	_, err := s.cache.IncrementPending(ctx, organizationID, kinds, amounts)
	if err != nil {
		return PendingIncrementResult{}, err
	}
	s.metrics.reservation()
	return result, nil
}

// DecrementPendingSandboxUsage releases a reservation. Only non-nil kinds
// are decremented; callers pass back what IncrementPendingSandboxUsage
// reported as incremented.
func (s *Service) DecrementPendingSandboxUsage(ctx context.Context, organizationID string, cpu, memory, disk *int64) error {
	var (
		kinds   []usagecache.Kind
		amounts []int64
	)
	if cpu != nil {
		kinds = append(kinds, usagecache.KindCPU)
		amounts = append(amounts, *cpu)
	}
	if memory != nil {
		kinds = append(kinds, usagecache.KindMemory)
		amounts = append(amounts, *memory)
	}
	if disk != nil {
		kinds = append(kinds, usagecache.KindDisk)
		amounts = append(amounts, *disk)
	}
	if len(kinds) == 0 {
		return nil
	}
	return s.cache.DecrementPending(ctx, organizationID, kinds, amounts)
}

// familyUsage is the shared read path: cache hit, else lock, recheck,
// rehydrate. On lock timeout the aggregation runs anyway but the result is
// not cached; a healthy holder is already rehydrating the family.
func (s *Service) familyUsage(ctx context.Context, organizationID string, family usagecache.Family) (map[usagecache.Kind]int64, error) {
	values, hit, err := s.cache.FamilyUsage(ctx, organizationID, family)
	if err != nil {
		return nil, err
	}
	if hit {
		return values, nil
	}
	return s.rehydrateFamily(ctx, organizationID, family)
}

func (s *Service) rehydrateFamily(ctx context.Context, organizationID string, family usagecache.Family) (map[usagecache.Kind]int64, error) {
	lockKey := fmt.Sprintf("org:%s:fetch-%s-usage-from-db", organizationID, family)
	lock, err := s.locks.WaitForLock(ctx, lockKey, s.lockTTL)
	if xerrors.Is(err, redislock.ErrLockTimeout) {
		s.metrics.lockTimeout()
		s.log.Warn(ctx, "fetch lock timed out, reading source of truth uncached",
			slog.F("organization_id", organizationID),
			slog.F("family", family),
		)
		return s.fetchFamily(ctx, organizationID, family)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			s.log.Warn(ctx, "release fetch lock", slog.Error(err), slog.F("key", lockKey))
		}
	}()

	// Another replica may have rehydrated while we waited on the lock.
	values, hit, err := s.cache.FamilyUsage(ctx, organizationID, family)
	if err != nil {
		return nil, err
	}
	if hit {
		return values, nil
	}

	start := s.cache.Clock.Now()
	fresh, err := s.fetchFamily(ctx, organizationID, family)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetRehydrated(ctx, organizationID, family, fresh); err != nil {
		return nil, err
	}
	s.metrics.rehydrate(family)
	s.log.Debug(ctx, "rehydrated usage from source of truth",
		slog.F("organization_id", organizationID),
		slog.F("family", family),
		slog.F("elapsed", s.cache.Clock.Since(start)),
	)
	return fresh, nil
}

func (s *Service) fetchFamily(ctx context.Context, organizationID string, family usagecache.Family) (map[usagecache.Kind]int64, error) {
	switch family {
	case usagecache.FamilySnapshot:
		count, err := s.db.GetSnapshotCountByOrganization(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		return map[usagecache.Kind]int64{usagecache.KindSnapshotCount: count}, nil
	case usagecache.FamilyVolume:
		count, err := s.db.GetVolumeCountByOrganization(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		return map[usagecache.Kind]int64{usagecache.KindVolumeCount: count}, nil
	default:
		row, err := s.db.GetSandboxUsageByOrganization(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		return map[usagecache.Kind]int64{
			usagecache.KindCPU:    row.CPU,
			usagecache.KindMemory: row.Memory,
			usagecache.KindDisk:   row.Disk,
		}, nil
	}
}

// applyExclusion subtracts the named sandbox's contribution from the
// overview based on its current state. Exclusion reads the live entity
// row; a sandbox transitioning at that very moment can skew one response,
// which is acceptable under safe over-approximation.
func (s *Service) applyExclusion(ctx context.Context, organizationID, excludeSandboxID string, overview SandboxUsageOverview) (SandboxUsageOverview, error) {
	if excludeSandboxID == "" {
		return overview, nil
	}
	sb, err := s.db.GetSandboxByID(ctx, excludeSandboxID)
	if xerrors.Is(err, sql.ErrNoRows) {
		return overview, nil
	}
	if err != nil {
		return SandboxUsageOverview{}, xerrors.Errorf("get excluded sandbox: %w", err)
	}
	if sb.OrganizationID != organizationID {
		return overview, nil
	}
	if sb.State.ConsumesCompute() {
		overview.CurrentCPUUsage = max(0, overview.CurrentCPUUsage-sb.CPU)
		overview.CurrentMemoryUsage = max(0, overview.CurrentMemoryUsage-sb.Memory)
	}
	if sb.State.ConsumesDisk() {
		overview.CurrentDiskUsage = max(0, overview.CurrentDiskUsage-sb.Disk)
	}
	return overview, nil
}
