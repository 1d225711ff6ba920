package apns

import (
	"context"
	"sync"
	"time"
)

// Delivery is the one-shot completion handle of a single notification
// send. It is resolved exactly once: by a gateway response, by a stream
// or connection failure, or by the per-send timeout. A Delivery is never
// left unresolved across a disconnect: tearing the connection down fails
// every outstanding handle.
type Delivery struct {
	n     Notification
	done  chan struct{}
	once  sync.Once
	timer *time.Timer

	resp *Response
	err  error
}

func newDelivery(n Notification) *Delivery {
	return &Delivery{n: n, done: make(chan struct{})}
}

// failedDelivery returns an already-resolved handle. Send uses it to
// surface precondition violations through the same asynchronous interface
// as every other outcome.
func failedDelivery(n Notification, err error) *Delivery {
	d := newDelivery(n)
	d.fail(err)
	return d
}

// Notification returns the originating notification, for error reporting
// and caller-side retry decisions.
func (d *Delivery) Notification() Notification { return d.n }

// Done returns a channel closed when the delivery reaches a terminal
// state.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Result returns the outcome. It blocks until the delivery is resolved.
func (d *Delivery) Result() (*Response, error) {
	<-d.done
	return d.resp, d.err
}

// Wait blocks until the delivery is resolved or the context is done.
func (d *Delivery) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-d.done:
		return d.resp, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve settles the delivery with a gateway response. Later settle
// attempts are no-ops.
func (d *Delivery) resolve(resp *Response) {
	d.once.Do(func() {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.resp = resp
		close(d.done)
	})
}

// fail settles the delivery with an error.
func (d *Delivery) fail(err error) {
	d.once.Do(func() {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.err = err
		close(d.done)
	})
}

// armTimeout schedules resolution with ErrDeliveryTimeout. Must be called
// before the delivery handle is shared.
func (d *Delivery) armTimeout(timeout time.Duration) {
	d.timer = time.AfterFunc(timeout, func() { d.fail(ErrDeliveryTimeout) })
}
