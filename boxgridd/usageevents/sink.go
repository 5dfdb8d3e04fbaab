package usageevents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/boxgrid/boxgrid/boxgridd/database"
	"github.com/boxgrid/boxgrid/boxgridd/redislock"
	"github.com/boxgrid/boxgrid/boxgridd/usagecache"
)

// DefaultEntityLockTTL bounds how long a crashed handler can hold an
// entity's update lock.
const DefaultEntityLockTTL = 10 * time.Second

type SinkOptions struct {
	// EntityLockTTL is the expiry on the per-entity update lock.
	EntityLockTTL time.Duration
	// Metrics, if set, receives delta counts.
	Metrics *Metrics
}

// Sink applies lifecycle events to the usage cache. Handlers serialize per
// entity, not per organization: two transitions of the same sandbox must
// not interleave (a was/is comparison against an intermediate state would
// double-count) but different entities of one organization may proceed
// concurrently, each counter mutation being atomic on its own.
//
// Handler failures are logged and swallowed. A lost delta only makes the
// cache drift, and the staleness deadline forces a rehydrate within the
// configured max age.
type Sink struct {
	ps      database.Pubsub
	cache   *usagecache.Cache
	locks   *redislock.Provider
	log     slog.Logger
	lockTTL time.Duration
	metrics *Metrics

	cancels []func()
}

func NewSink(ps database.Pubsub, cache *usagecache.Cache, locks *redislock.Provider, log slog.Logger, opts SinkOptions) *Sink {
	if opts.EntityLockTTL <= 0 {
		opts.EntityLockTTL = DefaultEntityLockTTL
	}
	return &Sink{
		ps:      ps,
		cache:   cache,
		locks:   locks,
		log:     log,
		lockTTL: opts.EntityLockTTL,
		metrics: opts.Metrics,
	}
}

// Subscribe registers the sink on all six lifecycle channels.
func (s *Sink) Subscribe() error {
	subscriptions := []struct {
		channel string
		handler database.Listener
	}{
		{ChannelSandboxCreated, s.handleSandboxCreated},
		{ChannelSandboxStateUpdated, s.handleSandboxStateUpdated},
		{ChannelSnapshotCreated, s.handleSnapshotCreated},
		{ChannelSnapshotStateUpdated, s.handleSnapshotStateUpdated},
		{ChannelVolumeCreated, s.handleVolumeCreated},
		{ChannelVolumeStateUpdated, s.handleVolumeStateUpdated},
	}
	for _, sub := range subscriptions {
		cancel, err := s.ps.Subscribe(sub.channel, sub.handler)
		if err != nil {
			s.Close()
			return xerrors.Errorf("subscribe %s: %w", sub.channel, err)
		}
		s.cancels = append(s.cancels, cancel)
	}
	return nil
}

// Close cancels all subscriptions.
func (s *Sink) Close() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

func (s *Sink) handleSandboxCreated(ctx context.Context, payload []byte) {
	var ev SandboxCreatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn(ctx, "drop malformed sandbox created event", slog.Error(err))
		return
	}
	s.withEntityLock(ctx, usagecache.FamilySandbox, ev.ID, func() {
		// A new sandbox starts consuming; the combined delta also settles
		// the reservation that admitted it.
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindCPU, ev.CPU)
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindMemory, ev.Memory)
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindDisk, ev.Disk)
	})
}

func (s *Sink) handleSandboxStateUpdated(ctx context.Context, payload []byte) {
	var ev SandboxStateUpdatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn(ctx, "drop malformed sandbox state event", slog.Error(err))
		return
	}
	cpu := CalculateDelta(ev.CPU, ev.OldState, ev.NewState, database.SandboxState.ConsumesCompute)
	memory := CalculateDelta(ev.Memory, ev.OldState, ev.NewState, database.SandboxState.ConsumesCompute)
	disk := CalculateDelta(ev.Disk, ev.OldState, ev.NewState, database.SandboxState.ConsumesDisk)
	if cpu == 0 && memory == 0 && disk == 0 {
		return
	}
	s.withEntityLock(ctx, usagecache.FamilySandbox, ev.ID, func() {
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindCPU, cpu)
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindMemory, memory)
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindDisk, disk)
	})
}

func (s *Sink) handleSnapshotCreated(ctx context.Context, payload []byte) {
	var ev SnapshotCreatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn(ctx, "drop malformed snapshot created event", slog.Error(err))
		return
	}
	s.withEntityLock(ctx, usagecache.FamilySnapshot, ev.ID, func() {
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindSnapshotCount, 1)
	})
}

func (s *Sink) handleSnapshotStateUpdated(ctx context.Context, payload []byte) {
	var ev SnapshotStateUpdatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn(ctx, "drop malformed snapshot state event", slog.Error(err))
		return
	}
	delta := CalculateDelta(1, ev.OldState, ev.NewState, database.SnapshotState.CountsTowardQuota)
	if delta == 0 {
		return
	}
	s.withEntityLock(ctx, usagecache.FamilySnapshot, ev.ID, func() {
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindSnapshotCount, delta)
	})
}

func (s *Sink) handleVolumeCreated(ctx context.Context, payload []byte) {
	var ev VolumeCreatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn(ctx, "drop malformed volume created event", slog.Error(err))
		return
	}
	s.withEntityLock(ctx, usagecache.FamilyVolume, ev.ID, func() {
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindVolumeCount, 1)
	})
}

func (s *Sink) handleVolumeStateUpdated(ctx context.Context, payload []byte) {
	var ev VolumeStateUpdatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn(ctx, "drop malformed volume state event", slog.Error(err))
		return
	}
	delta := CalculateDelta(1, ev.OldState, ev.NewState, database.VolumeState.CountsTowardQuota)
	if delta == 0 {
		return
	}
	s.withEntityLock(ctx, usagecache.FamilyVolume, ev.ID, func() {
		s.applyDelta(ctx, ev.OrganizationID, ev.ID, usagecache.KindVolumeCount, delta)
	})
}

// withEntityLock serializes handlers touching the same entity. When the
// lock cannot be acquired the delta is dropped rather than applied
// unserialized; the staleness deadline repairs the drift.
func (s *Sink) withEntityLock(ctx context.Context, family usagecache.Family, entityID string, fn func()) {
	key := fmt.Sprintf("%s:%s:quota-usage-update", family, entityID)
	lock, err := s.locks.WaitForLock(ctx, key, s.lockTTL)
	if err != nil {
		s.metrics.deltaError(family)
		s.log.Warn(ctx, "drop usage delta, entity lock unavailable",
			slog.Error(err),
			slog.F("family", family),
			slog.F("entity_id", entityID),
		)
		return
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			s.log.Warn(ctx, "release entity lock", slog.Error(err), slog.F("key", key))
		}
	}()
	fn()
}

func (s *Sink) applyDelta(ctx context.Context, organizationID, entityID string, kind usagecache.Kind, delta int64) {
	if delta == 0 {
		return
	}
	applied, err := s.cache.ApplyDelta(ctx, organizationID, kind, delta)
	if err != nil {
		s.metrics.deltaError(kind.Family())
		s.log.Warn(ctx, "apply usage delta",
			slog.Error(err),
			slog.F("organization_id", organizationID),
			slog.F("entity_id", entityID),
			slog.F("kind", kind),
			slog.F("delta", delta),
		)
		return
	}
	if !applied {
		// Counter evicted; the next read rehydrates and will already
		// include this change.
		s.log.Debug(ctx, "skip delta for absent counter",
			slog.F("organization_id", organizationID),
			slog.F("kind", kind),
		)
		return
	}
	s.metrics.deltaApplied(kind.Family())
}
