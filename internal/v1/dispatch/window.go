package dispatch

import "k8s.io/utils/set"

// window is a bounded FIFO of recently seen activity ids with O(1) membership.
// Once the capacity is reached, adding a new id evicts the oldest. Not safe
// for concurrent use; the dispatcher serializes access.
type window struct {
	order    []string
	seen     set.Set[string]
	capacity int
}

func newWindow(capacity int) *window {
	return &window{seen: set.New[string](), capacity: capacity}
}

func (w *window) Contains(id string) bool {
	return w.seen.Has(id)
}

func (w *window) Add(id string) {
	if w.seen.Has(id) {
		return
	}
	w.order = append(w.order, id)
	w.seen.Insert(id)
	if len(w.order) > w.capacity {
		w.seen.Delete(w.order[0])
		w.order = w.order[1:]
	}
}

// Remove forgets an id so a redelivered copy is processed again.
func (w *window) Remove(id string) {
	if !w.seen.Has(id) {
		return
	}
	w.seen.Delete(id)
	for i, other := range w.order {
		if other == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

func (w *window) Len() int { return len(w.order) }
