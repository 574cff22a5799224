/*Package comm provides plumbing for exclusive, lazily opened connections to
lab hardware.

The central type is Pool.  A Pool of size one is how a single serial handle is
shared between consumers that must never interleave a request with someone
else's response: each transaction leases the connection with Get and hands it
back with Put.  Idle connections are closed after a timeout and re-opened on
the next Get, so a consumer never has to care whether the port is open.

	pool := comm.NewPool(1, 5*time.Second, comm.RetryOpen(maker, 3*time.Second))
	rw, err := pool.Get()
	if err != nil {
		return err
	}
	defer pool.Put(rw)
*/
package comm

import (
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds one or more connections to a device that will be closed if they
// are not in use, and re-opened as needed.  It is concurrent safe.  Pools must
// be created with NewPool.
type Pool struct {
	maxSize int
	timeout time.Duration           // time after the last Put to free all connections, <= 0 never
	slots   chan struct{}           // one token per connection on lease
	conns   chan io.ReadWriteCloser // idle connections
	maker   CreationFunc

	mu    sync.Mutex
	timer *time.Timer
}

// NewPool creates a pool of at most maxSize connections produced by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		slots:   make(chan struct{}, maxSize),
		conns:   make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  It is guaranteed that there is no contention for the ReadWriter until
// it is returned with Put or discarded with Destroy.
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.slots <- struct{}{}

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	select {
	case c := <-p.conns:
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout has
// elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns <- rwc
	<-p.slots
	if len(p.slots) == 0 && p.timeout > 0 {
		if p.timer == nil {
			p.timer = time.AfterFunc(p.timeout, p.reclaim)
		} else {
			p.timer.Reset(p.timeout)
		}
	}
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) error {
	rwc := rw.(io.ReadWriteCloser)
	err := rwc.Close()
	<-p.slots
	return err
}

// Drain closes every idle connection.  Connections on lease are unaffected and
// the pool remains usable; the next Get opens a fresh connection.
func (p *Pool) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.closeIdle()
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return len(p.conns) + len(p.slots)
}

// Active returns the number of connections owned by the pool that are
// currently given out
func (p *Pool) Active() int {
	return len(p.slots)
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) != 0 {
		return
	}
	p.closeIdle()
}

// closeIdle must be called with mu held
func (p *Pool) closeIdle() error {
	var err error
	for {
		select {
		case c := <-p.conns:
			err = multierr.Append(err, c.Close())
		default:
			return err
		}
	}
}
