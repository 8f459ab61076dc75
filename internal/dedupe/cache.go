// ABOUTME: Bounded TTL memory of recently settled job ids and how each one settled.
// ABOUTME: Lets the result correlator tell a late result from an unknown or repeated one.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State records how a job left the pending table.
type State string

const (
	// StateResolved means a result arrived and was accepted.
	StateResolved State = "resolved"
	// StateTimedOut means the timeout supervisor removed the entry first.
	StateTimedOut State = "timed_out"
	// StateAbandoned means the entry was dropped without a result, for
	// example after a send failure or a cancelled caller.
	StateAbandoned State = "abandoned"
)

type cacheEntry struct {
	state   State
	settled time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map from job id to State.
// The oldest entry is evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // job ids, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background cleanup.
func New(ttl time.Duration, maxSize int) *Cache {
	return newCache(ttl, maxSize, time.Now, time.Minute)
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time, sweepEvery time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup(sweepEvery)
	return c
}

// Mark records that jobID settled with state. Marking again overwrites.
func (c *Cache) Mark(jobID string, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[jobID]; ok {
		e.state = state
		e.settled = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[jobID] = &cacheEntry{
		state:   state,
		settled: now,
		element: c.order.PushBack(jobID),
	}
}

// Lookup returns the recorded state for jobID if it settled within the TTL.
func (c *Cache) Lookup(jobID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[jobID]
	if !ok || c.now().Sub(e.settled) >= c.ttl {
		return "", false
	}
	return e.state, true
}

// Len returns the number of entries, expired ones included until cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	jobID, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, jobID)
}

func (c *Cache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		jobID, _ := e.Value.(string)
		if now.Sub(c.entries[jobID].settled) < c.ttl {
			// entries are ordered by settle time, the rest are fresher
			break
		}
		c.order.Remove(e)
		delete(c.entries, jobID)
		e = next
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
