// Package redislock provides named mutexes over a shared Redis store so
// that critical sections hold across process replicas.
//
// A lock is a single key written with SET NX EX. The value is an owner
// token; release runs a script that only deletes the key when the token
// still matches, so a holder that outlived its TTL cannot release a lock
// that has since been reacquired by somebody else.
package redislock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/retry"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// configured wait bound.
var ErrLockTimeout = xerrors.New("timed out waiting for lock")

const (
	DefaultAcquireWait = 10 * time.Second
	DefaultRetryFloor  = 50 * time.Millisecond
	DefaultRetryCeil   = time.Second
)

type Options struct {
	// AcquireWait bounds the total time WaitForLock blocks before giving up
	// with ErrLockTimeout.
	AcquireWait time.Duration
	// RetryFloor and RetryCeil bound the exponential backoff between
	// acquisition attempts.
	RetryFloor time.Duration
	RetryCeil  time.Duration
}

type Provider struct {
	rdb  redis.UniversalClient
	log  slog.Logger
	opts Options
}

func New(rdb redis.UniversalClient, log slog.Logger, opts Options) *Provider {
	if opts.AcquireWait <= 0 {
		opts.AcquireWait = DefaultAcquireWait
	}
	if opts.RetryFloor <= 0 {
		opts.RetryFloor = DefaultRetryFloor
	}
	if opts.RetryCeil <= 0 {
		opts.RetryCeil = DefaultRetryCeil
	}
	return &Provider{
		rdb:  rdb,
		log:  log,
		opts: opts,
	}
}

// Lock is a held named mutex. Unlock is tolerant of double release.
type Lock struct {
	provider *Provider
	key      string
	owner    string
	released bool
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// WaitForLock blocks until the named lock is acquired, retrying with
// bounded exponential backoff. The lock auto-expires after ttl so a crashed
// holder cannot deadlock the key. Returns ErrLockTimeout once the
// provider's AcquireWait has elapsed.
func (p *Provider) WaitForLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	owner := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireWait)
	defer cancel()

	attempt := func() (bool, error) {
		ok, err := p.rdb.SetNX(waitCtx, key, owner, ttl).Result()
		if err != nil {
			return false, xerrors.Errorf("acquire lock %q: %w", key, err)
		}
		return ok, nil
	}

	ok, err := attempt()
	for r := retry.New(p.opts.RetryFloor, p.opts.RetryCeil); !ok && err == nil && r.Wait(waitCtx); {
		ok, err = attempt()
	}
	if err != nil {
		// The timeout cancels in-flight SETNX calls too; report those as a
		// lock timeout rather than a store error.
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	if !ok {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLockTimeout
	}
	return &Lock{provider: p, key: key, owner: owner}, nil
}

// Unlock releases the lock. If the lock has already expired and been
// reassigned, the release is a no-op.
func (l *Lock) Unlock(ctx context.Context) error {
	if l.released {
		l.provider.log.Debug(ctx, "lock released twice", slog.F("key", l.key))
		return nil
	}
	l.released = true

	deleted, err := releaseScript.Run(ctx, l.provider.rdb, []string{l.key}, l.owner).Int()
	if err != nil {
		return xerrors.Errorf("release lock %q: %w", l.key, err)
	}
	if deleted == 0 {
		l.provider.log.Debug(ctx, "lock expired before release", slog.F("key", l.key))
	}
	return nil
}
