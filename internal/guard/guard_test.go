package guard

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTryAcquireTrueFalseTrue(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	g := New(WithClock(clock.Now))
	interval := 5 * time.Minute

	if !g.TryAcquire("panel", interval) {
		t.Fatal("first TryAcquire = false, want true")
	}
	if g.TryAcquire("panel", interval) {
		t.Fatal("immediate second TryAcquire = true, want false")
	}

	clock.Advance(interval)
	if g.TryAcquire("panel", interval) {
		t.Error("TryAcquire at exactly the interval = true, want false")
	}

	clock.Advance(time.Second)
	if !g.TryAcquire("panel", interval) {
		t.Error("TryAcquire after the interval = false, want true")
	}
}

func TestTryAcquireKeysAreIndependent(t *testing.T) {
	g := New()
	if !g.TryAcquire("a", time.Hour) {
		t.Fatal("TryAcquire(a) = false, want true")
	}
	if !g.TryAcquire("b", time.Hour) {
		t.Error("TryAcquire(b) = false, want true")
	}
}

func TestDeniedAttemptDoesNotExtendWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	g := New(WithClock(clock.Now))

	g.TryAcquire("k", time.Minute)
	first, _ := g.LastAttempt("k")

	clock.Advance(30 * time.Second)
	if g.TryAcquire("k", time.Minute) {
		t.Fatal("TryAcquire inside interval = true, want false")
	}
	got, _ := g.LastAttempt("k")
	if !got.Equal(first) {
		t.Errorf("LastAttempt = %v, want %v", got, first)
	}
}

func TestConcurrentCallersOnlyOneWins(t *testing.T) {
	g := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.TryAcquire("storm", time.Hour) {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d, want 1", got)
	}
}

func TestForget(t *testing.T) {
	g := New()
	g.TryAcquire("acct1/panel", time.Hour)
	g.TryAcquire("acct2/panel", time.Hour)

	g.Forget("acct1/")
	if !g.TryAcquire("acct1/panel", time.Hour) {
		t.Error("TryAcquire after Forget = false, want true")
	}
	if g.TryAcquire("acct2/panel", time.Hour) {
		t.Error("Forget removed a key outside the prefix")
	}
}
