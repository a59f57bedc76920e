package ledger

import (
	"sort"
	"sync"
)

// keyedMutex serializa por clave (user_id) sin bloquear otras cuentas.
// Las entradas se liberan cuando nadie las referencia.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock toma el lock de todas las claves en orden lexicográfico (sin deadlocks
// entre dos operaciones que tocan las mismas cuentas) y devuelve el unlock.
func (k *keyedMutex) Lock(keys ...string) func() {
	keys = dedupSorted(keys)

	held := make([]*refMutex, 0, len(keys))
	for _, key := range keys {
		k.mu.Lock()
		m, ok := k.locks[key]
		if !ok {
			m = &refMutex{}
			k.locks[key] = m
		}
		m.refs++
		k.mu.Unlock()

		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		k.mu.Lock()
		for i, key := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, key)
			}
		}
		k.mu.Unlock()
	}
}

func dedupSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
