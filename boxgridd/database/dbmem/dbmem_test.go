package dbmem_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boxgrid/boxgrid/boxgridd/database"
	"github.com/boxgrid/boxgrid/boxgridd/database/dbmem"
)

func TestSandboxUsageAggregation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbmem.New()

	db.InsertSandbox(database.Sandbox{ID: "s1", OrganizationID: "o1", State: database.SandboxStateStarted, CPU: 2, Memory: 4, Disk: 10})
	db.InsertSandbox(database.Sandbox{ID: "s2", OrganizationID: "o1", State: database.SandboxStateStopped, CPU: 4, Memory: 8, Disk: 20})
	db.InsertSandbox(database.Sandbox{ID: "s3", OrganizationID: "o1", State: database.SandboxStateDestroyed, CPU: 8, Memory: 16, Disk: 40})
	db.InsertSandbox(database.Sandbox{ID: "other", OrganizationID: "o2", State: database.SandboxStateStarted, CPU: 1, Memory: 1, Disk: 1})

	row, err := db.GetSandboxUsageByOrganization(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, database.SandboxUsageRow{CPU: 2, Memory: 4, Disk: 30}, row)

	// An organization with no sandboxes aggregates to zero.
	row, err = db.GetSandboxUsageByOrganization(ctx, "empty")
	require.NoError(t, err)
	require.Equal(t, database.SandboxUsageRow{}, row)
}

func TestCountsIgnoreStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbmem.New()

	db.InsertSnapshot(database.Snapshot{ID: "sn1", OrganizationID: "o1", State: database.SnapshotStateActive})
	db.InsertSnapshot(database.Snapshot{ID: "sn2", OrganizationID: "o1", State: database.SnapshotStateError})
	db.InsertVolume(database.Volume{ID: "v1", OrganizationID: "o1", State: database.VolumeStateReady})
	db.InsertVolume(database.Volume{ID: "v2", OrganizationID: "o1", State: database.VolumeStateDeleting})

	snapshots, err := db.GetSnapshotCountByOrganization(ctx, "o1")
	require.NoError(t, err)
	require.EqualValues(t, 1, snapshots)

	volumes, err := db.GetVolumeCountByOrganization(ctx, "o1")
	require.NoError(t, err)
	require.EqualValues(t, 1, volumes)
}

func TestLookups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbmem.New()

	_, err := db.GetOrganizationByID(ctx, "o1")
	require.ErrorIs(t, err, sql.ErrNoRows)

	db.InsertOrganization(database.Organization{ID: "o1", Name: "acme"})
	org, err := db.GetOrganizationByID(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, "acme", org.Name)

	_, err = db.GetSandboxByID(ctx, "s1")
	require.ErrorIs(t, err, sql.ErrNoRows)

	db.InsertSandbox(database.Sandbox{ID: "s1", OrganizationID: "o1", State: database.SandboxStateStarted})
	db.UpdateSandboxState("s1", database.SandboxStateStopped)
	sb, err := db.GetSandboxByID(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, database.SandboxStateStopped, sb.State)
}
