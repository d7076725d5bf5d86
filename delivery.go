package perfwatch

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Delivery tracks the passive work scheduled by one bust
type Delivery struct {
	mu      sync.Mutex
	pending int
	sealed  bool
	err     error
	done    chan struct{}
}

func newDelivery() *Delivery {
	return &Delivery{done: make(chan struct{})}
}

func completedDelivery() *Delivery {
	d := newDelivery()
	d.seal()
	return d
}

func (d *Delivery) add() {
	d.mu.Lock()
	d.pending++
	d.mu.Unlock()
}

func (d *Delivery) finish(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = multierr.Append(d.err, err)
	d.pending--
	d.closeIfDone()
}

// seal marks the end of scheduling; done can only close afterwards
func (d *Delivery) seal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sealed = true
	d.closeIfDone()
}

func (d *Delivery) closeIfDone() {
	if !d.sealed || d.pending > 0 {
		return
	}
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

// Done is closed once every passive delivery of the bust has finished
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Pending returns the number of passive deliveries still queued or running
func (d *Delivery) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Err returns the combined panics recovered from passive listeners
func (d *Delivery) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Wait blocks until all passive deliveries finished or ctx is done.
// With a queue that is drained manually, Drain must run before Wait can return.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
