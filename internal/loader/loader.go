// Package loader batches relationship fetches within one request. Resolvers
// call Load for a single parent key and get a Thunk back; graphql-go evaluates
// thunks after resolving sibling fields, so every key requested in between
// is fetched by one query.
package loader

import (
	"context"
	"fmt"
	"sync"
)

// Thunk yields a loaded value. graphql-go resolves a field returning a
// func() (interface{}, error) lazily.
type Thunk func() (interface{}, error)

// BatchFunc fetches results for keys. It must return exactly one result per
// key, positionally aligned with keys.
type BatchFunc func(ctx context.Context, keys []interface{}) ([]interface{}, error)

// State is a loader's batch lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateDispatched
	StateFulfilled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateDispatched:
		return "dispatched"
	case StateFulfilled:
		return "fulfilled"
	default:
		return "unknown"
	}
}

type result struct {
	value interface{}
	err   error
}

type batch struct {
	keys  []interface{}
	index map[string]int

	once    sync.Once
	results []interface{}
	err     error
}

// Loader collects single-key loads into batches. A Loader is owned by one
// request.
type Loader struct {
	fn    BatchFunc
	stats *Stats

	mu      sync.Mutex
	state   State
	current *batch
	cache   map[string]result
}

// NewLoader creates a loader around fn.
func NewLoader(fn BatchFunc) *Loader {
	return newLoader(fn, nil)
}

func newLoader(fn BatchFunc, stats *Stats) *Loader {
	if stats == nil {
		stats = &Stats{}
	}
	return &Loader{fn: fn, stats: stats, cache: make(map[string]result)}
}

// State reports the state of the loader's current batch window.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Load queues key for the current batch. The returned thunk dispatches the
// batch on first evaluation if Dispatch has not been called.
func (l *Loader) Load(ctx context.Context, key interface{}) Thunk {
	k := KeyString(key)

	l.mu.Lock()
	if r, ok := l.cache[k]; ok {
		l.mu.Unlock()
		l.stats.hit()
		return func() (interface{}, error) { return r.value, r.err }
	}
	if l.current == nil {
		l.current = &batch{index: make(map[string]int)}
		l.state = StateCollecting
	}
	b := l.current
	pos, ok := b.index[k]
	if !ok {
		pos = len(b.keys)
		b.index[k] = pos
		b.keys = append(b.keys, key)
	}
	l.mu.Unlock()
	l.stats.miss()

	return func() (interface{}, error) {
		l.run(ctx, b)
		if b.err != nil {
			return nil, b.err
		}
		return b.results[pos], nil
	}
}

// LoadMany queues several keys and returns one thunk yielding results in key
// order.
func (l *Loader) LoadMany(ctx context.Context, keys []interface{}) Thunk {
	thunks := make([]Thunk, len(keys))
	for i, key := range keys {
		thunks[i] = l.Load(ctx, key)
	}
	return func() (interface{}, error) {
		out := make([]interface{}, len(thunks))
		for i, th := range thunks {
			v, err := th()
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
}

// Dispatch closes the current batch window and fetches it.
func (l *Loader) Dispatch(ctx context.Context) {
	l.mu.Lock()
	b := l.current
	l.mu.Unlock()
	if b != nil {
		l.run(ctx, b)
	}
}

func (l *Loader) run(ctx context.Context, b *batch) {
	b.once.Do(func() {
		l.mu.Lock()
		if l.current == b {
			l.current = nil
		}
		l.state = StateDispatched
		l.mu.Unlock()

		results, err := l.fn(ctx, b.keys)
		if err == nil && len(results) != len(b.keys) {
			err = fmt.Errorf("batch function returned %d results for %d keys", len(results), len(b.keys))
		}
		b.results, b.err = results, err

		l.mu.Lock()
		for k, pos := range b.index {
			if err != nil {
				l.cache[k] = result{err: err}
				continue
			}
			l.cache[k] = result{value: results[pos]}
		}
		if l.current == nil {
			l.state = StateFulfilled
		} else {
			l.state = StateCollecting
		}
		l.mu.Unlock()
		l.stats.batch(len(b.keys))
	})
}
