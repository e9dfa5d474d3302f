package queue

import (
	"context"
	"sync"

	"github.com/raskyld/ranklink/pkg/msg"
)

// Scheduler drives every registered [msg.Poller] from the caller's
// goroutine. It is used in cooperative mode, where transports do not own a
// goroutine for their data path.
type Scheduler struct {
	// running makes Progress non re-entrant: a poller that ends up waiting
	// on the queue must not recurse into itself.
	running sync.Mutex

	lk      sync.RWMutex
	pollers []msg.Poller
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Register adds p to the set of pollers driven by Progress.
func (s *Scheduler) Register(p msg.Poller) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.pollers = append(s.pollers, p)
}

// Len is the number of registered pollers.
func (s *Scheduler) Len() int {
	s.lk.RLock()
	defer s.lk.RUnlock()
	return len(s.pollers)
}

// Progress polls every registered poller once. It reports whether any of
// them did some work. A nested call returns immediately.
func (s *Scheduler) Progress(ctx context.Context) (bool, error) {
	if !s.running.TryLock() {
		return false, nil
	}
	defer s.running.Unlock()

	s.lk.RLock()
	pollers := s.pollers
	s.lk.RUnlock()

	progressed := false
	for _, p := range pollers {
		if err := ctx.Err(); err != nil {
			return progressed, err
		}
		did, err := p.Poll(ctx)
		if err != nil {
			return progressed, err
		}
		progressed = progressed || did
	}
	return progressed, nil
}
