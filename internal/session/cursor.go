package session

import "slices"

// Cursor points at the single record shown to one annotator. Whenever it
// is set, its key is a member of the unseen sequence it was last synced
// with.
type Cursor struct {
	key string
	idx int
	set bool
}

// Current returns the key on display.
func (c *Cursor) Current() (string, bool) {
	return c.key, c.set
}

// Sync validates the cursor against unseen. A stale or unset cursor is
// re-seeded to the first unseen key; an empty sequence clears it.
func (c *Cursor) Sync(unseen []string) (string, bool) {
	if c.set {
		if i := slices.Index(unseen, c.key); i >= 0 {
			c.idx = i
			return c.key, true
		}
	}
	return c.seat(unseen, 0)
}

// Advance moves to the next unseen key, wrapping to the first after the
// last. A stale cursor re-seeds to the first key instead.
func (c *Cursor) Advance(unseen []string) (string, bool) {
	if !c.set {
		return c.seat(unseen, 0)
	}
	i := slices.Index(unseen, c.key)
	if i < 0 {
		return c.seat(unseen, 0)
	}
	return c.seat(unseen, (i+1)%len(unseen))
}

// OnSave repositions after the current key was saved and dropped out of
// unseen. It shows the first unseen key ranked after the saved one, so
// keys tagged elsewhere in the meantime do not shift it, and wraps to the
// first when none follows. rank gives a key's place in the session order.
func (c *Cursor) OnSave(unseen []string, rank func(key string) int) (string, bool) {
	if !c.set {
		return c.seat(unseen, 0)
	}
	saved := rank(c.key)
	i := slices.IndexFunc(unseen, func(k string) bool { return rank(k) > saved })
	if i < 0 {
		i = 0
	}
	return c.seat(unseen, i)
}

// Clear unsets the cursor.
func (c *Cursor) Clear() {
	*c = Cursor{}
}

func (c *Cursor) seat(unseen []string, i int) (string, bool) {
	if len(unseen) == 0 {
		c.Clear()
		return "", false
	}
	c.key, c.idx, c.set = unseen[i], i, true
	return c.key, true
}
