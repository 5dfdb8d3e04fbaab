package quotausage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/boxgrid/boxgrid/boxgridd/database"
	"github.com/boxgrid/boxgrid/boxgridd/database/dbmem"
	"github.com/boxgrid/boxgrid/boxgridd/quotausage"
	"github.com/boxgrid/boxgrid/boxgridd/redislock"
	"github.com/boxgrid/boxgrid/boxgridd/usagecache"
	"github.com/boxgrid/boxgrid/testutil"
)

type deps struct {
	db    *dbmem.DB
	cache *usagecache.Cache
	clock *quartz.Mock
	mr    *miniredis.Miniredis
	svc   *quotausage.Service
}

func newService(t *testing.T) deps {
	t.Helper()
	mr, client := testutil.Redis(t)
	log := testutil.Logger(t)
	db := dbmem.New()
	cache := usagecache.New(client, log, usagecache.Options{
		TTL:    30 * time.Second,
		MaxAge: time.Hour,
	})
	clock := quartz.NewMock(t)
	cache.Clock = clock
	locks := redislock.New(client, log, redislock.Options{
		RetryFloor: testutil.IntervalFast,
		RetryCeil:  testutil.IntervalFast,
	})
	svc := quotausage.New(db, cache, locks, log, quotausage.Options{
		Metrics: quotausage.NewMetrics(prometheus.NewRegistry()),
	})
	return deps{db: db, cache: cache, clock: clock, mr: mr, svc: svc}
}

func seedSandboxes(db *dbmem.DB) {
	db.InsertSandbox(database.Sandbox{
		ID: "s1", OrganizationID: "o1", State: database.SandboxStateStarted,
		CPU: 2, Memory: 4, Disk: 10,
	})
	db.InsertSandbox(database.Sandbox{
		ID: "s2", OrganizationID: "o1", State: database.SandboxStateStopped,
		CPU: 4, Memory: 8, Disk: 20,
	})
}

func TestGetSandboxUsageOverview(t *testing.T) {
	t.Parallel()

	t.Run("ColdRead", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		// Started consumes compute and disk; stopped only disk.
		usage, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "")
		require.NoError(t, err)
		require.Equal(t, quotausage.SandboxUsageOverview{
			CurrentCPUUsage:    2,
			CurrentMemoryUsage: 4,
			CurrentDiskUsage:   30,
		}, usage)

		// The cold read wrote through: counters live with a TTL, stamp set.
		require.Equal(t, 30*time.Second, d.mr.TTL("org:o1:quota:cpu:usage"))
		require.True(t, d.mr.Exists("org:o1:resource:sandbox:usage:fetched_at"))
		// And the fetch lock was released.
		require.False(t, d.mr.Exists("org:o1:fetch-sandbox-usage-from-db"))
	})

	t.Run("CachedRead", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		_, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "")
		require.NoError(t, err)

		// A persisted change without an event is invisible until the cache
		// turns over.
		d.db.UpdateSandboxState("s1", database.SandboxStateDestroyed)
		usage, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "")
		require.NoError(t, err)
		require.EqualValues(t, 2, usage.CurrentCPUUsage)
	})

	t.Run("StalenessForcesRehydrate", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		_, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "")
		require.NoError(t, err)
		stampBefore, err := d.mr.Get("org:o1:resource:sandbox:usage:fetched_at")
		require.NoError(t, err)

		d.db.UpdateSandboxState("s2", database.SandboxStateDestroyed)
		d.clock.Advance(time.Hour + time.Second)

		// Confirmed keys are still live, yet the read must ignore them.
		usage, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "")
		require.NoError(t, err)
		require.Equal(t, quotausage.SandboxUsageOverview{
			CurrentCPUUsage:    2,
			CurrentMemoryUsage: 4,
			CurrentDiskUsage:   10,
		}, usage)

		stampAfter, err := d.mr.Get("org:o1:resource:sandbox:usage:fetched_at")
		require.NoError(t, err)
		require.NotEqual(t, stampBefore, stampAfter)
	})

	t.Run("LockTimeoutFallsBackUncached", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		mr, client := testutil.Redis(t)
		log := testutil.Logger(t)
		db := dbmem.New()
		seedSandboxes(db)
		cache := usagecache.New(client, log, usagecache.Options{})
		locks := redislock.New(client, log, redislock.Options{
			AcquireWait: 250 * time.Millisecond,
			RetryFloor:  testutil.IntervalFast,
			RetryCeil:   testutil.IntervalFast,
		})
		svc := quotausage.New(db, cache, locks, log, quotausage.Options{})

		// Another replica holds the fetch lock for this family.
		held, err := locks.WaitForLock(ctx, "org:o1:fetch-sandbox-usage-from-db", time.Minute)
		require.NoError(t, err)
		defer func() {
			require.NoError(t, held.Unlock(ctx))
		}()

		usage, err := svc.GetSandboxUsageOverview(ctx, "o1", "")
		require.NoError(t, err)
		require.EqualValues(t, 2, usage.CurrentCPUUsage)
		// The fallback read is not cached.
		require.False(t, mr.Exists("org:o1:quota:cpu:usage"))
	})
}

func TestExclusion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		state database.SandboxState
		want  quotausage.SandboxUsageOverview
	}{
		{
			// Consumes compute and disk: all three subtracted.
			name:  "Started",
			state: database.SandboxStateStarted,
			want:  quotausage.SandboxUsageOverview{CurrentCPUUsage: 2, CurrentMemoryUsage: 4, CurrentDiskUsage: 10},
		},
		{
			// Disk only.
			name:  "Stopped",
			state: database.SandboxStateStopped,
			want:  quotausage.SandboxUsageOverview{CurrentCPUUsage: 3, CurrentMemoryUsage: 6, CurrentDiskUsage: 10},
		},
		{
			// Contributes nothing; usage unchanged.
			name:  "Destroyed",
			state: database.SandboxStateDestroyed,
			want:  quotausage.SandboxUsageOverview{CurrentCPUUsage: 3, CurrentMemoryUsage: 6, CurrentDiskUsage: 15},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := testutil.Context(t, testutil.WaitShort)
			d := newService(t)
			d.db.InsertSandbox(database.Sandbox{
				ID: "s3", OrganizationID: "o1", State: tc.state,
				CPU: 1, Memory: 2, Disk: 5,
			})
			// Confirmed usage snapshot the exclusion subtracts from.
			require.NoError(t, d.cache.SetRehydrated(ctx, "o1", usagecache.FamilySandbox, map[usagecache.Kind]int64{
				usagecache.KindCPU:    3,
				usagecache.KindMemory: 6,
				usagecache.KindDisk:   15,
			}))

			usage, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "s3")
			require.NoError(t, err)
			require.Equal(t, tc.want, usage)
		})
	}

	t.Run("ClampsAtZero", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		d.db.InsertSandbox(database.Sandbox{
			ID: "big", OrganizationID: "o1", State: database.SandboxStateStarted,
			CPU: 100, Memory: 100, Disk: 100,
		})
		require.NoError(t, d.cache.SetRehydrated(ctx, "o1", usagecache.FamilySandbox, map[usagecache.Kind]int64{
			usagecache.KindCPU:    3,
			usagecache.KindMemory: 6,
			usagecache.KindDisk:   15,
		}))

		usage, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "big")
		require.NoError(t, err)
		require.Equal(t, quotausage.SandboxUsageOverview{}, usage)
	})

	t.Run("UnknownSandboxIgnored", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		usage, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "nope")
		require.NoError(t, err)
		require.EqualValues(t, 2, usage.CurrentCPUUsage)
	})

	t.Run("OtherOrganizationIgnored", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)
		d.db.InsertSandbox(database.Sandbox{
			ID: "foreign", OrganizationID: "o2", State: database.SandboxStateStarted,
			CPU: 2, Memory: 4, Disk: 10,
		})

		usage, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "foreign")
		require.NoError(t, err)
		require.EqualValues(t, 2, usage.CurrentCPUUsage)
	})
}

func TestSnapshotAndVolumeUsage(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	d := newService(t)

	d.db.InsertSnapshot(database.Snapshot{ID: "sn1", OrganizationID: "o1", State: database.SnapshotStateActive})
	d.db.InsertSnapshot(database.Snapshot{ID: "sn2", OrganizationID: "o1", State: database.SnapshotStateBuilding})
	d.db.InsertSnapshot(database.Snapshot{ID: "sn3", OrganizationID: "o1", State: database.SnapshotStateBuildFailed})
	d.db.InsertVolume(database.Volume{ID: "v1", OrganizationID: "o1", State: database.VolumeStateReady})
	d.db.InsertVolume(database.Volume{ID: "v2", OrganizationID: "o1", State: database.VolumeStateDeleted})

	snapshots, err := d.svc.GetSnapshotUsageOverview(ctx, "o1")
	require.NoError(t, err)
	require.EqualValues(t, 2, snapshots)

	volumes, err := d.svc.GetVolumeUsageOverview(ctx, "o1")
	require.NoError(t, err)
	require.EqualValues(t, 1, volumes)

	// Each family has its own staleness clock.
	require.True(t, d.mr.Exists("org:o1:resource:snapshot:usage:fetched_at"))
	require.True(t, d.mr.Exists("org:o1:resource:volume:usage:fetched_at"))
}

func TestGetUsageOverview(t *testing.T) {
	t.Parallel()

	org := database.Organization{
		ID: "o1", Name: "acme",
		TotalCPUQuota: 16, TotalMemoryQuota: 64, TotalDiskQuota: 500,
		TotalSnapshotQuota: 10, TotalVolumeQuota: 5,
	}

	t.Run("Merged", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		d.db.InsertOrganization(org)
		seedSandboxes(d.db)
		d.db.InsertSnapshot(database.Snapshot{ID: "sn1", OrganizationID: "o1", State: database.SnapshotStateActive})

		overview, err := d.svc.GetUsageOverview(ctx, "o1", nil)
		require.NoError(t, err)
		require.Equal(t, quotausage.Overview{
			TotalCPUQuota:      16,
			TotalMemoryQuota:   64,
			TotalDiskQuota:     500,
			TotalSnapshotQuota: 10,
			TotalVolumeQuota:   5,

			CurrentCPUUsage:      2,
			CurrentMemoryUsage:   4,
			CurrentDiskUsage:     30,
			CurrentSnapshotUsage: 1,
			CurrentVolumeUsage:   0,
		}, overview)
	})

	t.Run("SuppliedOrganization", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		// No lookup happens when the caller supplies the org.
		overview, err := d.svc.GetUsageOverview(ctx, "o1", &org)
		require.NoError(t, err)
		require.EqualValues(t, 16, overview.TotalCPUQuota)
	})

	t.Run("NotFound", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)

		_, err := d.svc.GetUsageOverview(ctx, "missing", nil)
		require.ErrorIs(t, err, quotausage.ErrNotFound)
	})

	t.Run("Mismatch", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)

		_, err := d.svc.GetUsageOverview(ctx, "o2", &org)
		require.ErrorIs(t, err, quotausage.ErrBadRequest)
	})
}

func TestPendingSandboxUsage(t *testing.T) {
	t.Parallel()

	t.Run("ReserveAndRead", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		result, err := d.svc.IncrementPendingSandboxUsage(ctx, "o1", 1, 2, 5, "")
		require.NoError(t, err)
		require.Equal(t, quotausage.PendingIncrementResult{
			CPUIncremented:    true,
			MemoryIncremented: true,
			DiskIncremented:   true,
		}, result)

		overview, err := d.svc.GetSandboxUsageOverviewWithPending(ctx, "o1", "")
		require.NoError(t, err)
		require.Equal(t, quotausage.SandboxUsageOverview{
			CurrentCPUUsage:    2,
			CurrentMemoryUsage: 4,
			CurrentDiskUsage:   30,
		}, overview.SandboxUsageOverview)
		require.EqualValues(t, 1, *overview.PendingCPUUsage)
		require.EqualValues(t, 2, *overview.PendingMemoryUsage)
		require.EqualValues(t, 5, *overview.PendingDiskUsage)
	})

	t.Run("RollbackRoundTrip", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		_, err := d.svc.IncrementPendingSandboxUsage(ctx, "o1", 4, 8, 20, "")
		require.NoError(t, err)

		cpu, memory, disk := int64(4), int64(8), int64(20)
		require.NoError(t, d.svc.DecrementPendingSandboxUsage(ctx, "o1", &cpu, &memory, &disk))

		overview, err := d.svc.GetSandboxUsageOverviewWithPending(ctx, "o1", "")
		require.NoError(t, err)
		require.EqualValues(t, 0, *overview.PendingCPUUsage)
		require.EqualValues(t, 0, *overview.PendingMemoryUsage)
		require.EqualValues(t, 0, *overview.PendingDiskUsage)
	})

	t.Run("ExcludedConsumingSandboxSkipsAllKinds", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		// s1 is started: compute and disk are already counted.
		result, err := d.svc.IncrementPendingSandboxUsage(ctx, "o1", 2, 4, 10, "s1")
		require.NoError(t, err)
		require.Equal(t, quotausage.PendingIncrementResult{}, result)
		require.False(t, d.mr.Exists("org:o1:pending-cpu"))
	})

	t.Run("ExcludedStoppedSandboxSkipsDiskOnly", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		// s2 is stopped: disk is counted, compute is not.
		result, err := d.svc.IncrementPendingSandboxUsage(ctx, "o1", 4, 8, 20, "s2")
		require.NoError(t, err)
		require.Equal(t, quotausage.PendingIncrementResult{
			CPUIncremented:    true,
			MemoryIncremented: true,
		}, result)
		require.True(t, d.mr.Exists("org:o1:pending-cpu"))
		require.False(t, d.mr.Exists("org:o1:pending-disk"))
	})

	t.Run("DecrementOnlySuppliedKinds", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		_, err := d.svc.IncrementPendingSandboxUsage(ctx, "o1", 4, 8, 20, "")
		require.NoError(t, err)

		cpu := int64(4)
		require.NoError(t, d.svc.DecrementPendingSandboxUsage(ctx, "o1", &cpu, nil, nil))

		pending, err := d.cache.Pending(ctx, "o1")
		require.NoError(t, err)
		require.EqualValues(t, 0, *pending.CPU)
		require.EqualValues(t, 8, *pending.Memory)
		require.EqualValues(t, 20, *pending.Disk)
	})

	t.Run("ExclusionAdjustsConfirmedNotPending", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		d := newService(t)
		seedSandboxes(d.db)

		_, err := d.svc.IncrementPendingSandboxUsage(ctx, "o1", 1, 2, 5, "")
		require.NoError(t, err)

		overview, err := d.svc.GetSandboxUsageOverviewWithPending(ctx, "o1", "s1")
		require.NoError(t, err)
		require.Equal(t, quotausage.SandboxUsageOverview{
			CurrentCPUUsage:    0,
			CurrentMemoryUsage: 0,
			CurrentDiskUsage:   20,
		}, overview.SandboxUsageOverview)
		require.EqualValues(t, 1, *overview.PendingCPUUsage)
		require.EqualValues(t, 5, *overview.PendingDiskUsage)
	})
}

func TestNonNegativeReads(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	d := newService(t)
	seedSandboxes(d.db)

	// Drive a confirmed counter negative through raw deltas; the read path
	// must never surface it.
	_, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "")
	require.NoError(t, err)
	applied, err := d.cache.ApplyDelta(ctx, "o1", usagecache.KindCPU, -100)
	require.NoError(t, err)
	require.True(t, applied)

	// The negative counter invalidates the family and the next read
	// rehydrates from the source of truth.
	usage, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "")
	require.NoError(t, err)
	require.EqualValues(t, 2, usage.CurrentCPUUsage)
	require.GreaterOrEqual(t, usage.CurrentMemoryUsage, int64(0))
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()
	d := newService(t)
	seedSandboxes(d.db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.svc.GetSandboxUsageOverview(ctx, "o1", "")
	require.Error(t, err)
}
