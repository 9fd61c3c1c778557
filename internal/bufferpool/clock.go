package bufferpool

// clockReplacer implements CLOCK (second-chance) replacement over frame
// indices [0..capacity). Callers serialize access (GlobalPool.mu).
type clockReplacer struct {
	ref       []bool
	evictable []bool
	present   []bool
	hand      int
	size      int // number of evictable frames
}

var _ Replacer = (*clockReplacer)(nil)

func newClockReplacer(capacity int) *clockReplacer {
	if capacity <= 0 {
		capacity = 1
	}
	return &clockReplacer{
		ref:       make([]bool, capacity),
		evictable: make([]bool, capacity),
		present:   make([]bool, capacity),
	}
}

func (c *clockReplacer) valid(id int) bool {
	return id >= 0 && id < len(c.ref)
}

// RecordAccess marks the frame as recently used.
func (c *clockReplacer) RecordAccess(id int) {
	if !c.valid(id) {
		return
	}
	c.present[id] = true
	c.ref[id] = true
}

// SetEvictable marks whether the frame can be evicted (pin == 0).
func (c *clockReplacer) SetEvictable(id int, evictable bool) {
	if !c.valid(id) || !c.present[id] || c.evictable[id] == evictable {
		return
	}
	c.evictable[id] = evictable
	if evictable {
		c.size++
	} else {
		c.size--
	}
}

// Evict returns a victim and stops tracking it.
func (c *clockReplacer) Evict() (int, bool) {
	n := len(c.ref)
	if c.size == 0 {
		return -1, false
	}

	// Two sweeps clear every ref bit at least once.
	for range 2 * n {
		idx := c.hand
		c.hand = (c.hand + 1) % n

		if !c.present[idx] || !c.evictable[idx] {
			continue
		}
		if c.ref[idx] {
			c.ref[idx] = false
			continue
		}
		c.present[idx] = false
		c.evictable[idx] = false
		c.size--
		return idx, true
	}
	return -1, false
}

// Remove stops tracking the frame.
func (c *clockReplacer) Remove(id int) {
	if !c.valid(id) || !c.present[id] {
		return
	}
	if c.evictable[id] {
		c.size--
	}
	c.present[id] = false
	c.evictable[id] = false
	c.ref[id] = false
}

func (c *clockReplacer) Size() int { return c.size }
