// Package keyserial serializes operations per logical key. It reproduces
// actor-style isolation: no two operations addressed to the same key ever
// overlap, while different keys run concurrently.
package keyserial

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Executor runs functions one at a time per key. Key entries are refcounted
// and removed once no operation holds or waits on them, so the map stays
// proportional to in-flight work rather than to the keyspace.
type Executor struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// NewExecutor creates an Executor.
func NewExecutor() *Executor {
	return &Executor{keys: make(map[string]*entry)}
}

// Do runs fn while holding the key's slot. Calls for the same key block until
// the preceding call has fully returned.
func (e *Executor) Do(key string, fn func() error) error {
	e.mu.Lock()
	ent, ok := e.keys[key]
	if !ok {
		ent = &entry{}
		e.keys[key] = ent
	}
	ent.refs++
	e.mu.Unlock()

	ent.mu.Lock()
	err := fn()
	ent.mu.Unlock()

	e.mu.Lock()
	ent.refs--
	if ent.refs == 0 {
		delete(e.keys, key)
	}
	e.mu.Unlock()

	return err
}
