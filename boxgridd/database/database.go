// Package database is the read path to the platform's source of truth.
//
// The accounting core never scans entity tables on the hot path; it reads
// the aggregates below only when the usage cache misses, and writes nothing.
package database

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/xerrors"
)

// Store contains the projection queries consumed by the accounting core.
type Store interface {
	GetOrganizationByID(ctx context.Context, id string) (Organization, error)
	GetSandboxByID(ctx context.Context, id string) (Sandbox, error)
	// GetSandboxUsageByOrganization aggregates cpu/memory over the compute
	// consume-set and disk over the disk consume-set in a single query.
	GetSandboxUsageByOrganization(ctx context.Context, organizationID string) (SandboxUsageRow, error)
	GetSnapshotCountByOrganization(ctx context.Context, organizationID string) (int64, error)
	GetVolumeCountByOrganization(ctx context.Context, organizationID string) (int64, error)
}

// New creates a Store over a Postgres connection.
func New(sdb *sql.DB) Store {
	return &sqlQuerier{db: sqlx.NewDb(sdb, "postgres")}
}

type sqlQuerier struct {
	db *sqlx.DB
}

const getOrganizationByID = `
SELECT id, name, total_cpu_quota, total_memory_quota, total_disk_quota,
       total_snapshot_quota, total_volume_quota
FROM organizations
WHERE id = $1
`

func (q *sqlQuerier) GetOrganizationByID(ctx context.Context, id string) (Organization, error) {
	var org Organization
	err := q.db.GetContext(ctx, &org, getOrganizationByID, id)
	if err != nil {
		return Organization{}, err
	}
	return org, nil
}

const getSandboxByID = `
SELECT id, organization_id, state, cpu, memory, disk
FROM sandboxes
WHERE id = $1
`

func (q *sqlQuerier) GetSandboxByID(ctx context.Context, id string) (Sandbox, error) {
	var sb Sandbox
	err := q.db.GetContext(ctx, &sb, getSandboxByID, id)
	if err != nil {
		return Sandbox{}, err
	}
	return sb, nil
}

// FILTER keeps this a single pass: cpu/memory aggregate over the compute set
// while disk aggregates over the wider disk set.
const getSandboxUsageByOrganization = `
SELECT
	COALESCE(SUM(cpu) FILTER (WHERE state = ANY($2)), 0)::bigint AS cpu,
	COALESCE(SUM(memory) FILTER (WHERE state = ANY($2)), 0)::bigint AS memory,
	COALESCE(SUM(disk) FILTER (WHERE state = ANY($3)), 0)::bigint AS disk
FROM sandboxes
WHERE organization_id = $1
`

func (q *sqlQuerier) GetSandboxUsageByOrganization(ctx context.Context, organizationID string) (SandboxUsageRow, error) {
	var row SandboxUsageRow
	err := q.db.GetContext(ctx, &row, getSandboxUsageByOrganization,
		organizationID,
		pq.Array(stateStrings(SandboxStatesConsumingCompute)),
		pq.Array(stateStrings(SandboxStatesConsumingDisk)),
	)
	if err != nil {
		return SandboxUsageRow{}, xerrors.Errorf("aggregate sandbox usage: %w", err)
	}
	return row, nil
}

const getSnapshotCountByOrganization = `
SELECT COUNT(*)
FROM snapshots
WHERE organization_id = $1 AND NOT (state = ANY($2))
`

func (q *sqlQuerier) GetSnapshotCountByOrganization(ctx context.Context, organizationID string) (int64, error) {
	var count int64
	err := q.db.GetContext(ctx, &count, getSnapshotCountByOrganization,
		organizationID, pq.Array(stateStrings(SnapshotUsageIgnoredStates)))
	if err != nil {
		return 0, xerrors.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

const getVolumeCountByOrganization = `
SELECT COUNT(*)
FROM volumes
WHERE organization_id = $1 AND NOT (state = ANY($2))
`

func (q *sqlQuerier) GetVolumeCountByOrganization(ctx context.Context, organizationID string) (int64, error) {
	var count int64
	err := q.db.GetContext(ctx, &count, getVolumeCountByOrganization,
		organizationID, pq.Array(stateStrings(VolumeUsageIgnoredStates)))
	if err != nil {
		return 0, xerrors.Errorf("count volumes: %w", err)
	}
	return count, nil
}

func stateStrings[S ~string](states []S) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
