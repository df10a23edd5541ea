package cloud

// candidate is a k-NN search entry ordered by (squared distance, index)
type candidate struct {
	index int
	dist2 float64
}

// worse reports whether a ranks after b
func (a candidate) worse(b candidate) bool {
	if a.dist2 != b.dist2 {
		return a.dist2 > b.dist2
	}
	return a.index > b.index
}

// boundedMaxHeap keeps the best `capacity` candidates with the worst on top.
// Value-based storage, no container/heap indirection.
type boundedMaxHeap struct {
	items    []candidate
	capacity int
}

func newBoundedMaxHeap(capacity int) *boundedMaxHeap {
	return &boundedMaxHeap{items: make([]candidate, 0, capacity), capacity: capacity}
}

func (h *boundedMaxHeap) Len() int { return len(h.items) }

func (h *boundedMaxHeap) full() bool { return len(h.items) >= h.capacity }

// top returns the current worst kept candidate
func (h *boundedMaxHeap) top() candidate { return h.items[0] }

// push offers c to the heap. When full, c replaces the top only if it ranks better.
func (h *boundedMaxHeap) push(c candidate) {
	if len(h.items) < h.capacity {
		h.items = append(h.items, c)
		h.siftUp(len(h.items) - 1)
		return
	}
	if h.items[0].worse(c) {
		h.items[0] = c
		h.siftDown(0)
	}
}

// pop removes and returns the worst candidate
func (h *boundedMaxHeap) pop() candidate {
	n := len(h.items) - 1
	top := h.items[0]
	h.items[0] = h.items[n]
	h.items = h.items[:n]
	if n > 0 {
		h.siftDown(0)
	}
	return top
}

func (h *boundedMaxHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.items[i].worse(h.items[parent]) {
			return
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *boundedMaxHeap) siftDown(i int) {
	n := len(h.items)
	for {
		largest := i
		left, right := 2*i+1, 2*i+2
		if left < n && h.items[left].worse(h.items[largest]) {
			largest = left
		}
		if right < n && h.items[right].worse(h.items[largest]) {
			largest = right
		}
		if largest == i {
			return
		}
		h.items[i], h.items[largest] = h.items[largest], h.items[i]
		i = largest
	}
}

// drainAscending empties the heap and returns candidates best first
func (h *boundedMaxHeap) drainAscending() []candidate {
	out := make([]candidate, len(h.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.pop()
	}
	return out
}
