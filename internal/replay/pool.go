package replay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goalforge/internal/logging"
)

// container is a reusable execution context. It carries scratch state shared
// by calls replayed on it, so a sequence that re-acquires its container keeps
// whatever context earlier calls established.
type container struct {
	id        string
	createdAt time.Time
	lastUsed  time.Time
	scratch   map[string]any

	mu sync.Mutex
}

func (c *container) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// containerPool manages up to max reusable containers. When the pool is full,
// the oldest-created container is evicted (LRU by creation time, not by last
// use).
type containerPool struct {
	mu         sync.Mutex
	max        int
	containers map[string]*container
}

func newContainerPool(max int) *containerPool {
	return &containerPool{
		max:        max,
		containers: make(map[string]*container),
	}
}

// acquire returns the container with the given ID, or a new one when the ID
// is empty or unknown. Creating a container in a full pool evicts the
// oldest-created one first.
func (p *containerPool) acquire(id string) *container {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id != "" {
		if c, ok := p.containers[id]; ok {
			return c
		}
		logging.ReplayDebug("Container %s not found, creating replacement", id)
	}

	if len(p.containers) >= p.max {
		p.evictOldestLocked()
	}

	c := &container{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		scratch:   make(map[string]any),
	}
	p.containers[c.id] = c
	logging.ReplayDebug("Container created: %s (pool %d/%d)", c.id, len(p.containers), p.max)
	return c
}

func (p *containerPool) evictOldestLocked() {
	var oldest *container
	for _, c := range p.containers {
		if oldest == nil || c.createdAt.Before(oldest.createdAt) {
			oldest = c
		}
	}
	if oldest != nil {
		delete(p.containers, oldest.id)
		logging.Replay("Evicted container %s (created %s)", oldest.id, oldest.createdAt.Format(time.RFC3339))
	}
}

func (p *containerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.containers)
}

func (p *containerPool) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]*container, 0, len(p.containers))
	for _, c := range p.containers {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].createdAt.Before(list[j].createdAt) })

	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.id
	}
	return out
}
