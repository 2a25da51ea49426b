package pool

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func fakeConn() net.Conn {
	c1, c2 := net.Pipe()
	go func() {
		// keep the far side open until the pool closes ours
		buf := make([]byte, 1)
		_, _ = c2.Read(buf)
		_ = c2.Close()
	}()
	return c1
}

func dialFake() DialFunc {
	return func(context.Context) (net.Conn, error) { return fakeConn(), nil }
}

func TestAcquireReusesReleasedConnection(t *testing.T) {
	p := New(Config{Enabled: true, MaxIdlePerDest: 2, MaxTotalIdle: 8, IdleTimeout: time.Minute})
	defer p.Close()

	first, err := p.Acquire(context.Background(), "1.2.3.4:80", dialFake())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release("1.2.3.4:80", first)

	second, err := p.Acquire(context.Background(), "1.2.3.4:80", dialFake())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if second != first {
		t.Fatal("expected the released connection back")
	}

	st := p.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("expected 1 hit / 1 miss, got %d / %d", st.Hits, st.Misses)
	}
}

func TestPerDestinationCapEvictsOldest(t *testing.T) {
	p := New(Config{Enabled: true, MaxIdlePerDest: 2, MaxTotalIdle: 8, IdleTimeout: time.Minute})
	defer p.Close()

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = fakeConn()
		p.Release("dst:1", conns[i])
		time.Sleep(time.Millisecond)
	}

	st := p.Stats()
	if st.PerDest["dst:1"] != 2 {
		t.Fatalf("expected 2 idle, got %d", st.PerDest["dst:1"])
	}
	// LIFO: newest back first
	got, _ := p.Acquire(context.Background(), "dst:1", dialFake())
	if got != conns[2] {
		t.Fatal("expected MRU entry first")
	}
	got, _ = p.Acquire(context.Background(), "dst:1", dialFake())
	if got != conns[1] {
		t.Fatal("expected second-newest entry next; oldest should have been evicted")
	}
}

func TestGlobalCapEvictsLRUAcrossDestinations(t *testing.T) {
	p := New(Config{Enabled: true, MaxIdlePerDest: 4, MaxTotalIdle: 2, IdleTimeout: time.Minute})
	defer p.Close()

	for i := 0; i < 3; i++ {
		p.Release(fmt.Sprintf("dst:%d", i), fakeConn())
		time.Sleep(time.Millisecond)
	}

	st := p.Stats()
	if st.Idle != 2 {
		t.Fatalf("expected total idle 2, got %d", st.Idle)
	}
	if st.PerDest["dst:0"] != 0 {
		t.Fatal("expected the oldest destination entry evicted")
	}
}

func TestExpiredEntryIsNeverReturned(t *testing.T) {
	p := New(Config{Enabled: true, MaxIdlePerDest: 2, MaxTotalIdle: 8, IdleTimeout: 20 * time.Millisecond, SweepInterval: time.Hour})
	defer p.Close()

	stale := fakeConn()
	p.Release("dst:1", stale)
	time.Sleep(40 * time.Millisecond)

	got, err := p.Acquire(context.Background(), "dst:1", dialFake())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got == stale {
		t.Fatal("expired entry must not be returned")
	}
	if st := p.Stats(); st.Hits != 0 {
		t.Fatalf("a discarded entry counts as a miss, got %d hits", st.Hits)
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	p := New(Config{Enabled: true, MaxIdlePerDest: 4, MaxTotalIdle: 8, IdleTimeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	defer p.Close()

	p.Release("dst:1", fakeConn())
	time.Sleep(50 * time.Millisecond)

	if st := p.Stats(); st.Idle != 0 {
		t.Fatalf("expected sweep to drop the expired entry, idle=%d", st.Idle)
	}
}

func TestDisabledPoolClosesOnRelease(t *testing.T) {
	p := New(Config{Enabled: false})
	defer p.Close()

	c := fakeConn()
	p.Release("dst:1", c)
	if st := p.Stats(); st.Idle != 0 {
		t.Fatalf("disabled pool must retain nothing, idle=%d", st.Idle)
	}
}
