// Package jobs runs upload jobs through a fixed pool of workers. Brokers
// carry only job ids; the job store owns status.
package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerClosed is returned by Publish after Close.
var ErrBrokerClosed = errors.New("broker closed")

// Delivery is one job id handed to a worker. Ack must be called once the
// worker is done with it, whatever the outcome.
type Delivery struct {
	JobID string
	ack   func() error
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Broker moves job ids from the intake side to the workers in FIFO order.
type Broker interface {
	Publish(ctx context.Context, jobID string) error
	// Consume returns a channel that is closed when ctx ends or the broker closes.
	Consume(ctx context.Context) (<-chan Delivery, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryBroker is an unbounded in-process FIFO.
type MemoryBroker struct {
	mu     sync.Mutex
	items  []string
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBroker) Publish(_ context.Context, jobID string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.items = append(b.items, jobID)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBroker) pop() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return "", false
	}
	id := b.items[0]
	b.items = b.items[1:]
	return id, true
}

func (b *MemoryBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBrokerClosed
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			id, ok := b.pop()
			if !ok {
				select {
				case <-b.notify:
					continue
				case <-b.done:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- Delivery{JobID: id}:
			case <-b.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Len returns the number of undelivered ids.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
