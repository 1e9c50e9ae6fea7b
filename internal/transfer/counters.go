package transfer

import (
	"sync"

	"github.com/openmined/visitsync/internal/events"
	"github.com/openmined/visitsync/internal/queue"
)

// counters pairs every decrement of Pending with the matching increment in one critical section.
// Uploaded counts this process only; refresh never touches it.
type counters struct {
	mu sync.Mutex
	c  events.Counters
}

func (c *counters) refresh(q queue.Counts) events.Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Pending = int64(q.Pending)
	c.c.Errors = int64(q.Errors)
	return c.c
}

func (c *counters) uploaded() events.Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Pending = max(0, c.c.Pending-1)
	c.c.Uploaded++
	return c.c
}

func (c *counters) failed() events.Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Pending = max(0, c.c.Pending-1)
	c.c.Errors++
	return c.c
}

func (c *counters) snapshot() events.Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c
}
