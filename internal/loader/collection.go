package loader

import (
	"context"
	"sync"

	"github.com/rshade/rainbow-pricing/internal/pricing"
)

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Collection is an observable, growing array of records: the initial
// records given to Load followed by the records of the resource, in order.
type Collection struct {
	initial []pricing.Instance

	// load is nil when the collection was complete from the start.
	load   *load
	loader *Loader

	// mu guards stop and closed. The AfterFunc registered by Load may run
	// Close before Load has stored stop.
	mu     sync.Mutex
	stop   func() bool
	closed bool

	// streamed and err describe a collection complete from the start.
	streamed []pricing.Instance
	err      error

	closeOnce sync.Once
}

func finished(initial, streamed []pricing.Instance, err error) *Collection {
	return &Collection{initial: initial, streamed: streamed, err: err}
}

// Records returns the records available so far. The returned slice is
// never modified afterwards.
func (c *Collection) Records() []pricing.Instance {
	recs, _ := c.current()
	return recs
}

func (c *Collection) current() ([]pricing.Instance, <-chan struct{}) {
	streamed, changed := c.streamed, (<-chan struct{})(closedChan)
	if c.load != nil {
		streamed, changed = c.load.snapshot()
	}
	if len(c.initial) == 0 {
		return streamed, changed
	}
	out := make([]pricing.Instance, 0, len(c.initial)+len(streamed))
	out = append(out, c.initial...)
	return append(out, streamed...), changed
}

// Changed returns a channel closed on the next change of Records. Once the
// collection is done the channel is always closed.
func (c *Collection) Changed() <-chan struct{} {
	_, changed := c.current()
	return changed
}

// Done is closed when the resource is fully decoded or has failed.
func (c *Collection) Done() <-chan struct{} {
	if c.load == nil {
		return closedChan
	}
	return c.load.done
}

// Err returns the error that ended the load, nil while it runs or when it
// succeeded.
func (c *Collection) Err() error {
	if c.load == nil {
		return c.err
	}
	select {
	case <-c.load.done:
		return c.load.err
	default:
		return nil
	}
}

// Wait blocks until the collection is done or ctx ends and returns the
// records available at that point.
func (c *Collection) Wait(ctx context.Context) ([]pricing.Instance, error) {
	select {
	case <-c.Done():
		return c.Records(), c.Err()
	case <-ctx.Done():
		return c.Records(), ctx.Err()
	}
}

// Close releases the subscription. When every subscriber of an unfinished
// load has closed, the load is cancelled and nothing is cached.
func (c *Collection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		stop := c.stop
		c.closed = true
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		if c.load != nil {
			c.loader.release(c.load)
		}
	})
}

// setStop records the function that unregisters the context callback. If the
// collection was already closed, stop runs right away.
func (c *Collection) setStop(stop func() bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return
	}
	c.stop = stop
	c.mu.Unlock()
}
