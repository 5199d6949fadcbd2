// Package gate decides whether a claimed identity is currently an authorized
// participant for a task, backed by the external stake authority with a short
// TTL cache so hot claim paths do not hammer it.
package gate

import (
	"context"
	"log"
	"sync"
	"time"
)

// Authority lists the identities currently staked on a task.
type Authority interface {
	ListAuthorizedIdentities(ctx context.Context, taskID string) ([]string, error)
	// RoundDurationMS reports the task's round duration in milliseconds.
	RoundDurationMS(ctx context.Context, taskID string) (int64, error)
}

// Gate caches stake-list lookups per task id. The zero value is not usable;
// construct with New.
type Gate struct {
	authority Authority
	ttl       time.Duration
	bypass    bool
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	identities map[string]struct{}
	expires    time.Time
}

func New(authority Authority, ttl time.Duration, bypass bool) *Gate {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &Gate{
		authority: authority,
		ttl:       ttl,
		bypass:    bypass,
		now:       time.Now,
		entries:   make(map[string]cacheEntry),
	}
}

// SetNow overrides the clock; tests only.
func (g *Gate) SetNow(now func() time.Time) { g.now = now }

// Allow reports whether identity may act on taskID. Authority outages fail
// open with a log line, matching the upstream coordinator's behavior: a flaky
// stake backend must not halt the whole swarm.
func (g *Gate) Allow(ctx context.Context, taskID, identity string) bool {
	if g.bypass {
		return true
	}
	identities, err := g.stakeList(ctx, taskID)
	if err != nil {
		log.Printf("gate: stake list for task %s unavailable: %v", taskID, err)
		return true
	}
	_, ok := identities[identity]
	return ok
}

func (g *Gate) stakeList(ctx context.Context, taskID string) (map[string]struct{}, error) {
	g.mu.Lock()
	entry, ok := g.entries[taskID]
	g.mu.Unlock()
	if ok && g.now().Before(entry.expires) {
		return entry.identities, nil
	}
	list, err := g.authority.ListAuthorizedIdentities(ctx, taskID)
	if err != nil {
		return nil, err
	}
	identities := make(map[string]struct{}, len(list))
	for _, id := range list {
		identities[id] = struct{}{}
	}
	g.mu.Lock()
	g.entries[taskID] = cacheEntry{identities: identities, expires: g.now().Add(g.ttl)}
	g.mu.Unlock()
	return identities, nil
}

// Invalidate drops the cached stake list for a task.
func (g *Gate) Invalidate(taskID string) {
	g.mu.Lock()
	delete(g.entries, taskID)
	g.mu.Unlock()
}
