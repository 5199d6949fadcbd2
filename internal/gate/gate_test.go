package gate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"swarmline/internal/gate"
)

type fakeAuthority struct {
	calls      int
	identities []string
	err        error
}

func (f *fakeAuthority) ListAuthorizedIdentities(context.Context, string) ([]string, error) {
	f.calls++
	return f.identities, f.err
}

func (f *fakeAuthority) RoundDurationMS(context.Context, string) (int64, error) {
	return 0, errors.New("not used")
}

func TestAllowMembership(t *testing.T) {
	authority := &fakeAuthority{identities: []string{"alice", "bob"}}
	g := gate.New(authority, time.Minute, false)
	ctx := context.Background()

	if !g.Allow(ctx, "task-1", "alice") {
		t.Fatal("staked identity rejected")
	}
	if g.Allow(ctx, "task-1", "mallory") {
		t.Fatal("unstaked identity admitted")
	}
}

func TestAllowCachesPerTask(t *testing.T) {
	authority := &fakeAuthority{identities: []string{"alice"}}
	g := gate.New(authority, time.Minute, false)
	ctx := context.Background()

	g.Allow(ctx, "task-1", "alice")
	g.Allow(ctx, "task-1", "bob")
	g.Allow(ctx, "task-1", "alice")
	if authority.calls != 1 {
		t.Fatalf("authority called %d times within TTL, want 1", authority.calls)
	}
	g.Allow(ctx, "task-2", "alice")
	if authority.calls != 2 {
		t.Fatalf("authority called %d times for second task, want 2", authority.calls)
	}
}

func TestAllowCacheExpiry(t *testing.T) {
	authority := &fakeAuthority{identities: []string{"alice"}}
	g := gate.New(authority, time.Minute, false)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.SetNow(func() time.Time { return now })
	ctx := context.Background()

	g.Allow(ctx, "task-1", "alice")
	now = now.Add(59 * time.Second)
	g.Allow(ctx, "task-1", "alice")
	if authority.calls != 1 {
		t.Fatalf("refetched before expiry: %d calls", authority.calls)
	}
	now = now.Add(2 * time.Second)
	g.Allow(ctx, "task-1", "alice")
	if authority.calls != 2 {
		t.Fatalf("stale entry served past TTL: %d calls", authority.calls)
	}
}

func TestAllowBypass(t *testing.T) {
	authority := &fakeAuthority{}
	g := gate.New(authority, time.Minute, true)

	if !g.Allow(context.Background(), "task-1", "anyone") {
		t.Fatal("bypass gate rejected identity")
	}
	if authority.calls != 0 {
		t.Fatalf("bypass still hit the authority %d times", authority.calls)
	}
}

func TestAllowFailsOpenOnAuthorityError(t *testing.T) {
	authority := &fakeAuthority{err: errors.New("authority down")}
	g := gate.New(authority, time.Minute, false)

	if !g.Allow(context.Background(), "task-1", "alice") {
		t.Fatal("authority outage blocked the swarm")
	}
}

func TestInvalidate(t *testing.T) {
	authority := &fakeAuthority{identities: []string{"alice"}}
	g := gate.New(authority, time.Minute, false)
	ctx := context.Background()

	g.Allow(ctx, "task-1", "alice")
	g.Invalidate("task-1")
	g.Allow(ctx, "task-1", "alice")
	if authority.calls != 2 {
		t.Fatalf("invalidated entry still cached: %d calls", authority.calls)
	}
}
