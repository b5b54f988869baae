package reconcile

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tabshare/tabshare-api/internal/types"
)

func TestLockTimeoutIsRetryable(t *testing.T) {
	locks := newGroupLocks()

	release, err := locks.acquire("GRP_a", time.Second)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	start := time.Now()
	_, err = locks.acquire("GRP_a", 50*time.Millisecond)
	if !errors.Is(err, types.ErrRetryable) {
		t.Fatalf("expected ErrRetryable on contended acquire, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("acquire returned before the timeout elapsed: %s", elapsed)
	}

	release()

	// The lock is free again after release.
	release, err = locks.acquire("GRP_a", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	release()
}

func TestLockKeysAreIndependent(t *testing.T) {
	locks := newGroupLocks()

	releaseA, err := locks.acquire("GRP_a", time.Second)
	if err != nil {
		t.Fatalf("acquire GRP_a failed: %v", err)
	}
	defer releaseA()

	// Holding one group's lock must not block another group.
	releaseB, err := locks.acquire("GRP_b", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire GRP_b blocked on an unrelated lock: %v", err)
	}
	releaseB()
}

func TestLockRegistryShrinks(t *testing.T) {
	locks := newGroupLocks()

	release, err := locks.acquire("GRP_a", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	release()

	locks.mu.Lock()
	size := len(locks.locks)
	locks.mu.Unlock()
	if size != 0 {
		t.Errorf("released locks should be dropped from the registry, got %d entries", size)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	locks := newGroupLocks()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.acquire("GRP_shared", 5*time.Second)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("at most one goroutine may hold a group lock, saw %d", maxSeen)
	}
}
