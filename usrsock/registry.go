package usrsock

const noSlot = -1

// registry is the ordered list of active slots. Links are kept by slot index so that growing the
// arena never invalidates them. All methods run under the pool lock.
type registry struct {
	head, tail int32
	prev, next []int32
	n          int
}

func newRegistry() registry {
	return registry{head: noSlot, tail: noSlot}
}

func (r *registry) grow(slots int) {
	for len(r.prev) < slots {
		r.prev = append(r.prev, noSlot)
		r.next = append(r.next, noSlot)
	}
}

func (r *registry) pushBack(slot int32) {
	r.prev[slot] = r.tail
	r.next[slot] = noSlot
	if r.tail == noSlot {
		r.head = slot
	} else {
		r.next[r.tail] = slot
	}
	r.tail = slot
	r.n++
}

func (r *registry) remove(slot int32) {
	prev, next := r.prev[slot], r.next[slot]
	if prev == noSlot {
		r.head = next
	} else {
		r.next[prev] = next
	}
	if next == noSlot {
		r.tail = prev
	} else {
		r.prev[next] = prev
	}
	r.prev[slot] = noSlot
	r.next[slot] = noSlot
	r.n--
}

func (r *registry) after(slot int32) int32 {
	if slot == noSlot {
		return r.head
	}
	return r.next[slot]
}
