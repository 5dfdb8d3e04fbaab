// Package usagecache tracks per-organization quota usage in a shared Redis
// store.
//
// Counters come in two tiers: confirmed usage, rehydrated from the source
// of truth and nudged by lifecycle events, and pending usage, reserved by
// in-flight operations that have not materialized yet. Admission control
// sums both, so usage is safely over-approximated while confirmed counters
// stay a pure projection of persisted state.
//
// Key layout (read by external tooling, do not change):
//
//	org:{organizationId}:quota:{kind}:usage
//	org:{organizationId}:pending-{cpu|memory|disk}
//	org:{organizationId}:resource:{family}:usage:fetched_at
package usagecache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/quartz"
)

const (
	// DefaultTTL sweeps counters that nothing has touched for a while.
	DefaultTTL = 30 * time.Second
	// DefaultMaxAge bounds how long event deltas may keep a counter alive
	// before a forced rehydrate re-anchors it to the source of truth.
	DefaultMaxAge = time.Hour
)

type Options struct {
	// TTL is the expiry applied to counters on every write.
	TTL time.Duration
	// MaxAge is the staleness bound; counters whose family was rehydrated
	// longer ago than this are treated as absent.
	MaxAge time.Duration
	// Metrics, if set, receives hit/miss counts.
	Metrics *Metrics
}

// Cache is the typed accessor layer over the shared store. It holds no
// state of its own; all mutation goes through atomic scripts so that the
// cache stays consistent under concurrent writers across replicas.
type Cache struct {
	rdb redis.UniversalClient
	log slog.Logger
	// Clock is replaceable for testing staleness.
	Clock quartz.Clock

	ttl     time.Duration
	maxAge  time.Duration
	metrics *Metrics
}

func New(rdb redis.UniversalClient, log slog.Logger, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Cache{
		rdb:     rdb,
		log:     log,
		Clock:   quartz.NewReal(),
		ttl:     opts.TTL,
		maxAge:  opts.MaxAge,
		metrics: opts.Metrics,
	}
}

// TTL returns the configured counter expiry.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// SandboxUsage is the confirmed sandbox-family view.
type SandboxUsage struct {
	CPU    int64
	Memory int64
	Disk   int64
}

// PendingUsage is the reservation view. A nil field means the counter is
// absent, which readers treat as zero.
type PendingUsage struct {
	CPU    *int64
	Memory *int64
	Disk   *int64
}

// ConfirmedUsage reads a single confirmed counter. The second return is
// false when the counter is absent, invalid or its family is stale.
func (c *Cache) ConfirmedUsage(ctx context.Context, organizationID string, kind Kind) (int64, bool, error) {
	keys := []string{
		UsageKey(organizationID, kind),
		FetchedAtKey(organizationID, kind.Family()),
	}
	raw, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, false, xerrors.Errorf("read %s usage: %w", kind, err)
	}
	if !c.fresh(ctx, organizationID, kind.Family(), raw[1]) {
		c.metrics.miss(kind.Family())
		return 0, false, nil
	}
	value, ok := c.parseCounter(ctx, organizationID, kind, raw[0])
	if !ok {
		c.metrics.miss(kind.Family())
		return 0, false, nil
	}
	c.metrics.hit(kind.Family())
	return value, true, nil
}

// FamilyUsage reads every confirmed counter of a family together with its
// staleness stamp in one MGET. The second return is false on a cache miss:
// any counter absent or invalid, or the family stale, discards the whole
// family per the shared lifecycle invariant.
func (c *Cache) FamilyUsage(ctx context.Context, organizationID string, family Family) (map[Kind]int64, bool, error) {
	kinds := family.Kinds()
	keys := make([]string, 0, len(kinds)+1)
	for _, kind := range kinds {
		keys = append(keys, UsageKey(organizationID, kind))
	}
	keys = append(keys, FetchedAtKey(organizationID, family))

	raw, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, false, xerrors.Errorf("read %s usage: %w", family, err)
	}
	if !c.fresh(ctx, organizationID, family, raw[len(raw)-1]) {
		c.metrics.miss(family)
		return nil, false, nil
	}

	values := make(map[Kind]int64, len(kinds))
	for i, kind := range kinds {
		value, ok := c.parseCounter(ctx, organizationID, kind, raw[i])
		if !ok {
			c.metrics.miss(family)
			return nil, false, nil
		}
		values[kind] = value
	}
	c.metrics.hit(family)
	return values, true, nil
}

// SandboxUsageWithPending reads the three confirmed and three pending
// sandbox counters plus the staleness stamp in a single MGET, so the dual
// view can never observe a state across a script boundary. The bool is
// false when the confirmed side misses; pending values are returned either
// way.
func (c *Cache) SandboxUsageWithPending(ctx context.Context, organizationID string) (SandboxUsage, PendingUsage, bool, error) {
	keys := []string{
		UsageKey(organizationID, KindCPU),
		UsageKey(organizationID, KindMemory),
		UsageKey(organizationID, KindDisk),
		PendingKey(organizationID, KindCPU),
		PendingKey(organizationID, KindMemory),
		PendingKey(organizationID, KindDisk),
		FetchedAtKey(organizationID, FamilySandbox),
	}
	raw, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return SandboxUsage{}, PendingUsage{}, false, xerrors.Errorf("read sandbox usage with pending: %w", err)
	}

	pending := PendingUsage{
		CPU:    parsePending(raw[3]),
		Memory: parsePending(raw[4]),
		Disk:   parsePending(raw[5]),
	}

	if !c.fresh(ctx, organizationID, FamilySandbox, raw[6]) {
		c.metrics.miss(FamilySandbox)
		return SandboxUsage{}, pending, false, nil
	}
	var usage SandboxUsage
	for i, dst := range []*int64{&usage.CPU, &usage.Memory, &usage.Disk} {
		value, ok := c.parseCounter(ctx, organizationID, FamilySandbox.Kinds()[i], raw[i])
		if !ok {
			c.metrics.miss(FamilySandbox)
			return SandboxUsage{}, pending, false, nil
		}
		*dst = value
	}
	c.metrics.hit(FamilySandbox)
	return usage, pending, true, nil
}

// Pending reads the three pending counters without touching the confirmed
// side.
func (c *Cache) Pending(ctx context.Context, organizationID string) (PendingUsage, error) {
	keys := []string{
		PendingKey(organizationID, KindCPU),
		PendingKey(organizationID, KindMemory),
		PendingKey(organizationID, KindDisk),
	}
	raw, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return PendingUsage{}, xerrors.Errorf("read pending usage: %w", err)
	}
	return PendingUsage{
		CPU:    parsePending(raw[0]),
		Memory: parsePending(raw[1]),
		Disk:   parsePending(raw[2]),
	}, nil
}

// SetRehydrated atomically writes every confirmed counter of the family
// with the configured TTL and resets the family's staleness stamp. values
// must cover each kind of the family with a non-negative value.
func (c *Cache) SetRehydrated(ctx context.Context, organizationID string, family Family, values map[Kind]int64) error {
	kinds := family.Kinds()
	keys := make([]string, 0, len(kinds)+1)
	argv := make([]any, 0, len(kinds)+2)
	argv = append(argv, int(c.ttl.Seconds()), c.nowMillis())
	for _, kind := range kinds {
		value, ok := values[kind]
		if !ok {
			return xerrors.Errorf("rehydrate %s: missing value for %s", family, kind)
		}
		if value < 0 {
			return xerrors.Errorf("rehydrate %s: negative value %d for %s", family, value, kind)
		}
		keys = append(keys, UsageKey(organizationID, kind))
		argv = append(argv, value)
	}
	keys = append(keys, FetchedAtKey(organizationID, family))

	err := rehydrateScript.Run(ctx, c.rdb, keys, argv...).Err()
	if err != nil {
		return xerrors.Errorf("rehydrate %s usage: %w", family, err)
	}
	return nil
}

// ApplyDelta adjusts one confirmed counter by delta and refreshes its TTL.
// A positive delta additionally settles up to that amount out of the
// kind's pending counter, so reservations drain into confirmed usage. When
// the confirmed key is absent the whole call is a no-op and ApplyDelta
// returns false; the next read rehydrates from the source of truth.
func (c *Cache) ApplyDelta(ctx context.Context, organizationID string, kind Kind, delta int64) (bool, error) {
	keys := []string{UsageKey(organizationID, kind)}
	if kindHasPending(kind) {
		keys = append(keys, PendingKey(organizationID, kind))
	}
	value, err := applyDeltaScript.Run(ctx, c.rdb, keys, delta, int(c.ttl.Seconds())).Int64()
	if err != nil {
		return false, xerrors.Errorf("apply %s delta %d: %w", kind, delta, err)
	}
	if value == -1 {
		return false, nil
	}
	return true, nil
}

// IncrementPending reserves headroom on the given pending counters and
// refreshes their TTL. Returns the new values in argument order.
func (c *Cache) IncrementPending(ctx context.Context, organizationID string, kinds []Kind, amounts []int64) ([]int64, error) {
	keys, argv, err := pendingArgs(organizationID, kinds, amounts)
	if err != nil {
		return nil, err
	}
	argv = append([]any{int(c.ttl.Seconds())}, argv...)
	raw, err := incrementPendingScript.Run(ctx, c.rdb, keys, argv...).Int64Slice()
	if err != nil {
		return nil, xerrors.Errorf("increment pending: %w", err)
	}
	return raw, nil
}

// DecrementPending releases reservations on the given pending counters.
// The TTL is not refreshed. No zero floor is enforced on write; the read
// path clamps.
func (c *Cache) DecrementPending(ctx context.Context, organizationID string, kinds []Kind, amounts []int64) error {
	keys, argv, err := pendingArgs(organizationID, kinds, amounts)
	if err != nil {
		return err
	}
	err = decrementPendingScript.Run(ctx, c.rdb, keys, argv...).Err()
	if err != nil {
		return xerrors.Errorf("decrement pending: %w", err)
	}
	return nil
}

func pendingArgs(organizationID string, kinds []Kind, amounts []int64) ([]string, []any, error) {
	if len(kinds) == 0 {
		return nil, nil, xerrors.New("no pending kinds given")
	}
	if len(kinds) != len(amounts) {
		return nil, nil, xerrors.Errorf("got %d kinds but %d amounts", len(kinds), len(amounts))
	}
	keys := make([]string, 0, len(kinds))
	argv := make([]any, 0, len(amounts))
	for i, kind := range kinds {
		if !kindHasPending(kind) {
			return nil, nil, xerrors.Errorf("kind %s has no pending counter", kind)
		}
		if amounts[i] < 0 {
			return nil, nil, xerrors.Errorf("negative pending amount %d for %s", amounts[i], kind)
		}
		keys = append(keys, PendingKey(organizationID, kind))
		argv = append(argv, amounts[i])
	}
	return keys, argv, nil
}

func kindHasPending(kind Kind) bool {
	return kind == KindCPU || kind == KindMemory || kind == KindDisk
}

// fresh reports whether the family's staleness stamp is present, numeric
// and younger than MaxAge. An absent or mangled stamp means stale, no
// matter how alive the counter keys themselves are.
func (c *Cache) fresh(ctx context.Context, organizationID string, family Family, raw any) bool {
	s, ok := raw.(string)
	if !ok {
		return false
	}
	stamp, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		c.log.Warn(ctx, "invalid staleness stamp, treating family as stale",
			slog.F("organization_id", organizationID),
			slog.F("family", family),
			slog.F("raw", s),
		)
		return false
	}
	return c.nowMillis()-stamp <= c.maxAge.Milliseconds()
}

// parseCounter turns a raw MGET result into a confirmed counter value.
// Absent, non-numeric or negative values all read as a miss; the rehydrate
// path repairs whatever produced them.
func (c *Cache) parseCounter(ctx context.Context, organizationID string, kind Kind, raw any) (int64, bool) {
	s, ok := raw.(string)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil || value < 0 {
		c.log.Warn(ctx, "invalid confirmed counter, treating as miss",
			slog.F("organization_id", organizationID),
			slog.F("kind", kind),
			slog.F("raw", s),
		)
		return 0, false
	}
	return value, true
}

// parsePending reads a pending counter. Absence and garbage map to nil
// (readers treat it as zero); negative values clamp to zero so a racing
// decrement can never push the reader's view below the floor.
func parsePending(raw any) *int64 {
	s, ok := raw.(string)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	if value < 0 {
		value = 0
	}
	return &value
}

func (c *Cache) nowMillis() int64 {
	return c.Clock.Now().UnixMilli()
}
