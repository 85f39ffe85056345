package authkit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type inlineScheduler struct {
	names  []string
	errs   []error
	reject bool
}

func (scheduler *inlineScheduler) Submit(name string, fn func(ctx context.Context) error) bool {
	scheduler.names = append(scheduler.names, name)
	if scheduler.reject {
		return false
	}
	scheduler.errs = append(scheduler.errs, fn(context.Background()))
	return true
}

func newPruneFixture(t *testing.T) (*TokenService, *MemoryCredentialStore, *controllableClock) {
	t.Helper()
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	store := NewMemoryCredentialStore()
	service := NewTokenService(newTestServerConfig(), store, clock)
	for _, email := range []string{"a@example.com", "b@example.com"} {
		if err := service.CacheUpstreamToken(context.Background(), email, "opaque-"+email); err != nil {
			t.Fatalf("cache token: %v", err)
		}
	}
	clock.Advance(2 * time.Hour)
	return service, store, clock
}

func TestSchedulePruneRemovesOnlyThatUser(t *testing.T) {
	service, store, _ := newPruneFixture(t)
	scheduler := &inlineScheduler{}

	SchedulePrune(scheduler, service, zaptest.NewLogger(t), "a@example.com")

	if len(scheduler.names) != 1 || scheduler.names[0] != "tokens.prune" || scheduler.errs[0] != nil {
		t.Fatalf("unexpected scheduled jobs %v (%v)", scheduler.names, scheduler.errs)
	}
	if _, err := store.LatestToken(context.Background(), "a@example.com"); err == nil {
		t.Fatalf("expected a@example.com tokens to be pruned")
	}
	if _, err := store.LatestToken(context.Background(), "b@example.com"); err != nil {
		t.Fatalf("expected b@example.com tokens to remain, got %v", err)
	}

	SchedulePrune(nil, service, nil, "a@example.com")
}

func TestNewPruneCronPrunesEveryUser(t *testing.T) {
	service, store, _ := newPruneFixture(t)
	scheduler := &inlineScheduler{}

	scheduled, err := NewPruneCron("@every 30m", scheduler, service, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new prune cron: %v", err)
	}
	entries := scheduled.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one cron entry, got %d", len(entries))
	}
	entries[0].Job.Run()

	if len(scheduler.names) != 1 || scheduler.names[0] != "tokens.prune_all" || scheduler.errs[0] != nil {
		t.Fatalf("unexpected scheduled jobs %v (%v)", scheduler.names, scheduler.errs)
	}
	for _, email := range []string{"a@example.com", "b@example.com"} {
		if _, err := store.LatestToken(context.Background(), email); err == nil {
			t.Fatalf("expected %s tokens to be pruned", email)
		}
	}

	scheduler.reject = true
	entries[0].Job.Run()
	if len(scheduler.names) != 2 {
		t.Fatalf("expected a dropped submission to be attempted, got %v", scheduler.names)
	}
}

func TestNewPruneCronRejectsBadSchedule(t *testing.T) {
	service, _, _ := newPruneFixture(t)
	if _, err := NewPruneCron("not a schedule", &inlineScheduler{}, service, nil); err == nil {
		t.Fatalf("expected invalid schedule to fail")
	}
	if _, err := NewPruneCron(" ", &inlineScheduler{}, service, nil); err != nil {
		t.Fatalf("expected blank schedule to default, got %v", err)
	}
}
