// Package pipe implements the bounded blocking buffer that connects pipeline
// stages. Producers block once the buffer is full, which is how backpressure
// propagates upstream without any explicit flow-control protocol.
package pipe

import (
	"errors"
	"io"
	"iter"
	"sync"
)

var ErrInvalidSize = errors.New("pipe size must be a power of two")

// Rx is the receiving half of a pipe.
type Rx[T any] interface {
	Recv(*T) bool
	Seq() iter.Seq[T]
}

// Tx is the sending half of a pipe.
type Tx[T any] interface {
	Send(T) bool
}

// TxCloser is a Tx that can signal end-of-stream.
type TxCloser[T any] interface {
	Tx[T]
	io.Closer
}

// Pipe is a fixed-capacity ring buffer safe for any number of concurrent
// senders and receivers. After Close, Send fails immediately and Recv keeps
// returning buffered items until the ring drains.
type Pipe[T any] struct {
	ring      []T
	head      uint
	tail      uint
	done      bool
	mu        sync.Mutex
	condFull  *sync.Cond
	condEmpty *sync.Cond
}

// New instantiates a Pipe holding up to n items. n must be a power of two so
// that ring positions reduce with a mask instead of a modulo.
func New[T any](n int) (*Pipe[T], error) {
	if n <= 0 || n&(n-1) != 0 {
		return nil, ErrInvalidSize
	}
	var p Pipe[T]
	p.ring = make([]T, n)
	p.condFull = sync.NewCond(&p.mu)
	p.condEmpty = sync.NewCond(&p.mu)
	return &p, nil
}

// Must returns a new Pipe or panics on an invalid size.
func Must[T any](n int) *Pipe[T] {
	p, err := New[T](n)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pipe[T]) empty() bool {
	return p.head == p.tail
}

func (p *Pipe[T]) full() bool {
	return (p.head - p.tail) == uint(len(p.ring))
}

func (p *Pipe[T]) mask(value uint) uint {
	return value & (uint(len(p.ring)) - 1)
}

// Send enqueues item, blocking while the ring is full. It reports false when
// the pipe was closed before the item could be placed.
func (p *Pipe[T]) Send(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return false
	}

	for p.full() && !p.done {
		p.condFull.Wait()
	}

	if p.done {
		return false
	}

	p.ring[p.mask(p.head)] = item
	p.head++

	p.condEmpty.Signal()
	return true
}

// Recv dequeues into t, blocking while the ring is empty and the pipe is
// still open. It reports false once the pipe is closed and drained.
func (p *Pipe[T]) Recv(t *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.empty() && !p.done {
		p.condEmpty.Wait()
	}

	if p.empty() && p.done {
		return false
	}

	*t = p.ring[p.mask(p.tail)]
	p.tail++

	p.condFull.Signal()
	return true
}

// Seq drains the pipe as an iterator. The pipe is closed when iteration
// stops for any reason, so a consumer that returns early still releases
// blocked producers.
func (p *Pipe[T]) Seq() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer p.Close()

		for {
			var msg T
			ok := p.Recv(&msg)
			if !ok {
				break
			}

			if !yield(msg) {
				break
			}
		}
	}
}

// Close marks the pipe done and wakes all blocked senders and receivers.
// Closing twice is harmless.
func (p *Pipe[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = true

	p.condEmpty.Broadcast()
	p.condFull.Broadcast()
	return nil
}

type staticRx[T any] struct {
	mu    sync.Mutex
	items []T
	pos   int
}

func (p *staticRx[T]) Recv(t *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pos == len(p.items) {
		return false
	}

	*t = p.items[p.pos]
	p.pos++
	return true
}

func (p *staticRx[T]) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pos = len(p.items)
}

func (p *staticRx[T]) Seq() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer p.close()

		for {
			var msg T
			ok := p.Recv(&msg)
			if !ok {
				break
			}

			if !yield(msg) {
				break
			}
		}
	}
}

// StaticRx adapts a fixed set of items into an Rx. Useful in tests and for
// replaying already-materialized batches.
func StaticRx[T any](items ...T) Rx[T] {
	return &staticRx[T]{
		items: items,
	}
}
