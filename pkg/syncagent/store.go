package syncagent

import "sync"

// observable is a minimal subscribe/set value holder, the local reactive
// state the agent reconciles remote updates into.
type observable[T any] struct {
	mu    sync.Mutex
	value T
	clone func(T) T
	subs  []func(T)
}

func newObservable[T any](initial T, clone func(T) T) *observable[T] {
	return &observable[T]{value: clone(initial), clone: clone}
}

func (o *observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clone(o.value)
}

// Set replaces the value and notifies every subscriber with its own copy.
// Subscribers run synchronously, outside the store lock.
func (o *observable[T]) Set(value T) {
	o.mu.Lock()
	o.value = o.clone(value)
	subs := make([]func(T), len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()
	for _, sub := range subs {
		sub(o.clone(value))
	}
}

func (o *observable[T]) Subscribe(fn func(T)) {
	o.mu.Lock()
	o.subs = append(o.subs, fn)
	o.mu.Unlock()
}
