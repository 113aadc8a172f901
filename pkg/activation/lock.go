package activation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindburn-labs/forge/pkg/config"
	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
)

// lockTable enforces two admission rules ahead of every Activate/Deactivate
// call (spec §4.3, §5): at most one in-flight attempt per (module, tenant)
// scope, and at most maxConcurrent attempts in flight process-wide.
// Grounded on the teacher's kernel token-bucket limiter shape generalized
// from a rate gate to a slot semaphore plus a per-key mutex set.
//
// The in-process map only ever sees this one instance's attempts. When
// remote is set (a multi-instance deployment with REDIS_URL configured),
// acquire additionally takes a SETNX lock in Redis, grounded on the
// teacher's kernel.RedisLimiterStore (same client, same Lua-free
// fail-fast style), so two Forge processes can't both run an activation
// for the same scope concurrently.
type lockTable struct {
	mu    sync.Mutex
	held  map[forgeid.Scope]bool
	slots chan struct{}

	remote    *redis.Client
	remoteTTL time.Duration
}

func newLockTable(maxConcurrent int) *lockTable {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &lockTable{
		held:  make(map[forgeid.Scope]bool),
		slots: make(chan struct{}, maxConcurrent),
	}
}

// newLockTableWithRedis builds a lockTable that additionally coordinates
// across processes via remote. ttl bounds how long a held Redis lock
// survives a process crash before self-expiring.
func newLockTableWithRedis(maxConcurrent int, remote *redis.Client, ttl time.Duration) *lockTable {
	l := newLockTable(maxConcurrent)
	l.remote = remote
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	l.remoteTTL = ttl
	return l
}

func redisLockKey(scope forgeid.Scope) string {
	return fmt.Sprintf("forge:activation-lock:%s", scope.String())
}

// acquire reserves both a concurrency slot and the per-scope lock. Under
// QueueReject, a scope already in flight fails immediately with
// ACTIVATION_IN_PROGRESS; under QueueWait it blocks until the holder
// releases or ctx is canceled.
func (l *lockTable) acquire(ctx context.Context, scope forgeid.Scope, policy config.QueuePolicy) (func(), error) {
	for {
		l.mu.Lock()
		inFlight := l.held[scope]
		if !inFlight {
			l.held[scope] = true
		}
		l.mu.Unlock()

		if !inFlight {
			if l.acquireRemote(ctx, scope) {
				break
			}
			// Another process holds the scope in Redis; fall through to
			// the same reject/wait handling as a local collision.
			l.mu.Lock()
			delete(l.held, scope)
			l.mu.Unlock()
			inFlight = true
		}

		if policy == config.QueueReject {
			return nil, errs.New(errs.ActivationInProgress, "activation already in progress for this scope")
		}
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.ActivationTimeout, "timed out waiting for in-flight activation", ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.held, scope)
		l.mu.Unlock()
		l.releaseRemote(scope)
		return nil, errs.Wrap(errs.ActivationTimeout, "timed out waiting for an activation slot", ctx.Err())
	}

	release := func() {
		<-l.slots
		l.mu.Lock()
		delete(l.held, scope)
		l.mu.Unlock()
		l.releaseRemote(scope)
	}
	return release, nil
}

// acquireRemote takes the distributed lock when remote is configured. It
// fails open (reports acquired) on a Redis error, so a broker outage
// degrades to single-instance locking instead of blocking every
// activation process-wide.
func (l *lockTable) acquireRemote(ctx context.Context, scope forgeid.Scope) bool {
	if l.remote == nil {
		return true
	}
	ok, err := l.remote.SetNX(ctx, redisLockKey(scope), 1, l.remoteTTL).Result()
	if err != nil {
		return true
	}
	return ok
}

func (l *lockTable) releaseRemote(scope forgeid.Scope) {
	if l.remote == nil {
		return
	}
	_ = l.remote.Del(context.Background(), redisLockKey(scope)).Err()
}
