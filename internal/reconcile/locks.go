package reconcile

import (
	"sync"
	"time"

	"github.com/tabshare/tabshare-api/internal/types"
)

// groupLocks serializes state-changing operations per group aggregate so
// unrelated bills proceed independently. Entries are refcounted and removed
// once nobody holds or waits on them, so the registry does not grow with the
// number of groups ever seen.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	sem  chan struct{}
	refs int
}

func newGroupLocks() *groupLocks {
	return &groupLocks{
		locks: make(map[string]*groupLock),
	}
}

// acquire blocks until the lock for groupID is held or timeout elapses, in
// which case ErrRetryable is returned. The release function must be called
// exactly once on success.
func (g *groupLocks) acquire(groupID string, timeout time.Duration) (func(), error) {
	g.mu.Lock()
	l, exists := g.locks[groupID]
	if !exists {
		l = &groupLock{sem: make(chan struct{}, 1)}
		g.locks[groupID] = l
	}
	l.refs++
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		release := func() {
			<-l.sem
			g.put(groupID, l)
		}
		return release, nil
	case <-timer.C:
		g.put(groupID, l)
		return nil, types.ErrRetryable
	}
}

func (g *groupLocks) put(groupID string, l *groupLock) {
	g.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, groupID)
	}
	g.mu.Unlock()
}
