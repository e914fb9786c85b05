package bimap

import "sync"

// BiMap is a map that can be looked up in both directions.
// It is safe for concurrent use.
type BiMap[K comparable, V comparable] struct {
	s         sync.RWMutex
	immutable bool
	forward   map[K]V
	inverse   map[V]K
}

func NewBiMap[K comparable, V comparable]() *BiMap[K, V] {
	return &BiMap[K, V]{forward: make(map[K]V), inverse: make(map[V]K)}
}

// New builds an immutable BiMap out of the given forward map.
func New[K comparable, V comparable](forward map[K]V) *BiMap[K, V] {
	b := NewBiMap[K, V]()
	for k, v := range forward {
		b.Insert(k, v)
	}
	b.MakeImmutable()
	return b
}

func (b *BiMap[K, V]) Insert(k K, v V) {
	b.s.Lock()
	defer b.s.Unlock()
	if b.immutable {
		panic("Cannot modify immutable map")
	}
	if old, ok := b.forward[k]; ok {
		delete(b.inverse, old)
	}
	b.forward[k] = v
	b.inverse[v] = k
}

func (b *BiMap[K, V]) Exists(k K) bool {
	b.s.RLock()
	defer b.s.RUnlock()
	_, ok := b.forward[k]
	return ok
}

func (b *BiMap[K, V]) ExistsInverse(v V) bool {
	b.s.RLock()
	defer b.s.RUnlock()
	_, ok := b.inverse[v]
	return ok
}

func (b *BiMap[K, V]) Get(k K) (V, bool) {
	b.s.RLock()
	defer b.s.RUnlock()
	v, ok := b.forward[k]
	return v, ok
}

func (b *BiMap[K, V]) GetInverse(v V) (K, bool) {
	b.s.RLock()
	defer b.s.RUnlock()
	k, ok := b.inverse[v]
	return k, ok
}

func (b *BiMap[K, V]) Delete(k K) {
	b.s.Lock()
	defer b.s.Unlock()
	if b.immutable {
		panic("Cannot modify immutable map")
	}
	if v, ok := b.forward[k]; ok {
		delete(b.forward, k)
		delete(b.inverse, v)
	}
}

func (b *BiMap[K, V]) DeleteInverse(v V) {
	b.s.Lock()
	defer b.s.Unlock()
	if b.immutable {
		panic("Cannot modify immutable map")
	}
	if k, ok := b.inverse[v]; ok {
		delete(b.inverse, v)
		delete(b.forward, k)
	}
}

func (b *BiMap[K, V]) Size() int {
	b.s.RLock()
	defer b.s.RUnlock()
	return len(b.forward)
}

// MakeImmutable freezes the map. Later mutations panic.
func (b *BiMap[K, V]) MakeImmutable() {
	b.s.Lock()
	defer b.s.Unlock()
	b.immutable = true
}

// GetForwardMap returns a copy of the key to value map.
func (b *BiMap[K, V]) GetForwardMap() map[K]V {
	b.s.RLock()
	defer b.s.RUnlock()
	m := make(map[K]V, len(b.forward))
	for k, v := range b.forward {
		m[k] = v
	}
	return m
}

// GetInverseMap returns a copy of the value to key map.
func (b *BiMap[K, V]) GetInverseMap() map[V]K {
	b.s.RLock()
	defer b.s.RUnlock()
	m := make(map[V]K, len(b.inverse))
	for v, k := range b.inverse {
		m[v] = k
	}
	return m
}
