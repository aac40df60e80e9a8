package petri

import (
	"sync"
)

type runningCase struct {
	mu *sync.Mutex
	// refs counts lock holders plus waiters, so the entry is only removed
	// once the last one leaves.
	refs int
}

// runningCasesCache serializes marking mutation per case: fire, complete
// and cancel run one at a time within a case, while different cases never
// contend.
type runningCasesCache struct {
	cases map[int64]*runningCase
	mu    sync.Mutex
}

func newRunningCasesCache() *runningCasesCache {
	return &runningCasesCache{
		cases: map[int64]*runningCase{},
	}
}

func (c *runningCasesCache) lockCase(caseKey int64) {
	c.mu.Lock()
	rc, ok := c.cases[caseKey]
	if !ok {
		rc = &runningCase{mu: &sync.Mutex{}}
		c.cases[caseKey] = rc
	}
	rc.refs++
	c.mu.Unlock()
	rc.mu.Lock()
}

func (c *runningCasesCache) unlockCase(caseKey int64) {
	c.mu.Lock()
	rc := c.cases[caseKey]
	rc.refs--
	if rc.refs == 0 {
		delete(c.cases, caseKey)
	}
	c.mu.Unlock()
	rc.mu.Unlock()
}
