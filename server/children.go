package server

import (
	"sort"
	"sync"

	"github.com/criyle/go-conmon/reaper"
	"github.com/pkg/errors"
)

// Children is the table of containers supervised by this monitor, keyed by
// container id
type Children struct {
	mu       sync.RWMutex
	m        map[string]*reaper.Child
	reserved map[string]struct{}
}

// NewChildren creates an empty table
func NewChildren() *Children {
	return &Children{
		m:        make(map[string]*reaper.Child),
		reserved: make(map[string]struct{}),
	}
}

// Reserve claims id for a creation in progress, so that concurrent
// creations of the same id fail before any side effect
func (c *Children) Reserve(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.m[id]; ok {
		return errors.Errorf("container %q already exists", id)
	}
	if _, ok := c.reserved[id]; ok {
		return errors.Errorf("container %q is being created", id)
	}
	c.reserved[id] = struct{}{}
	return nil
}

// Release drops the reservation of a failed creation
func (c *Children) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reserved, id)
}

// Add inserts child and consumes its reservation, ids are unique
func (c *Children) Add(child *reaper.Child) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.m[child.ID]; ok {
		return errors.Errorf("container %q already exists", child.ID)
	}
	delete(c.reserved, child.ID)
	c.m[child.ID] = child
	return nil
}

// Has reports whether id is registered
func (c *Children) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.m[id]
	return ok
}

// Get returns the child registered under id
func (c *Children) Get(id string) (*reaper.Child, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	child, ok := c.m[id]
	return child, ok
}

// Remove deletes id from the table
func (c *Children) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[id]
	delete(c.m, id)
	return ok
}

// Len returns the number of registered children
func (c *Children) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// List returns the children sorted by id
func (c *Children) List() []*reaper.Child {
	c.mu.RLock()
	ret := make([]*reaper.Child, 0, len(c.m))
	for _, child := range c.m {
		ret = append(ret, child)
	}
	c.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}
