package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

// ErrDispatcherClosed is returned by Dispatch after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher runs work for a symbol on the shard its name hashes to. Each
// shard is one goroutine draining a FIFO queue, so work for one symbol is
// serialized in submission order while different shards run in parallel.
type Dispatcher struct {
	shards []chan func()

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher allocates n shards with the given queue depth.
func NewDispatcher(n, buffer int) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{shards: make([]chan func(), n)}
	for i := range d.shards {
		d.shards[i] = make(chan func(), buffer)
	}
	return d
}

// Shard returns the shard index for key.
func (d *Dispatcher) Shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// Dispatch queues fn on key's shard. It blocks while the shard is full so
// market events are never dropped, and gives up when ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, fn func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.shards[d.Shard(key)] <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes every shard until ctx is done or Close drains the queues.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range d.shards {
		wg.Add(1)
		go func(ch chan func()) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fn, ok := <-ch:
					if !ok {
						return
					}
					fn()
				}
			}
		}(ch)
	}
	wg.Wait()
	return nil
}

// Close stops accepting work. Queued work still runs if Run is active.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
}

// Len returns the number of queued jobs across all shards.
func (d *Dispatcher) Len() int {
	n := 0
	for _, ch := range d.shards {
		n += len(ch)
	}
	return n
}
