package queue

import (
	"runtime"
	"sync/atomic"
)

// spinLocker is a CAS lock that yields to the scheduler while contended.
// Critical sections guarded by it must be short and must never block.
type spinLocker struct {
	lock uint32
}

func (s *spinLocker) Lock() {
	schedulerRuns := 1
	for !atomic.CompareAndSwapUint32(&s.lock, 0, 1) {
		for i := 0; i < schedulerRuns; i++ {
			runtime.Gosched()
		}
		if schedulerRuns < 32 {
			schedulerRuns <<= 1
		}
	}
}

func (s *spinLocker) Unlock() {
	atomic.StoreUint32(&s.lock, 0)
}
