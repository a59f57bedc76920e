package scheduler

import (
	"container/heap"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// entry es una predicción ACTIVE pendiente de liquidar.
type entry struct {
	id       string
	seq      uint64
	expiry   time.Time
	deadline time.Time // expiry + MaxWaitFactor × duración: a partir de aquí, EXPIRED_NO_DATA
	due      time.Time // próximo intento
	attempts int
	retry    backoff.BackOff
	index    int // posición en el heap, -1 si está en vuelo
}

// expiryHeap es un min-heap por due.
type expiryHeap []*entry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].id < h[j].id
	}
	return h[i].due.Before(h[j].due)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h expiryHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// popDue saca todas las entradas con due <= now.
func (h *expiryHeap) popDue(now time.Time) []*entry {
	var out []*entry
	for h.Len() > 0 && !(*h)[0].due.After(now) {
		out = append(out, heap.Pop(h).(*entry))
	}
	return out
}
