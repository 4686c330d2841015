package jsenv

import (
	"sync"

	"github.com/ebulut/goxhr/xhr"
)

// loopTransport wraps the transport of a script-owned request so that End
// runs as an engine job. No wire activity can start while the engine
// goroutine is still inside open/send/abort, which is what lets those
// calls dispatch their events directly without racing the transport.
type loopTransport struct {
	engine *Engine
	inner  xhr.Transport
}

func (t *loopTransport) Request(opts *xhr.RequestOptions, onResponse func(*xhr.Response)) (xhr.Connection, error) {
	conn, err := t.inner.Request(opts, onResponse)
	if err != nil {
		return nil, err
	}
	return &loopConn{engine: t.engine, inner: conn}, nil
}

type loopConn struct {
	engine *Engine
	inner  xhr.Connection

	mu     sync.Mutex
	errFns []func(error)
}

func (c *loopConn) Write(p []byte) error {
	return c.inner.Write(p)
}

func (c *loopConn) Abort() {
	c.inner.Abort()
}

func (c *loopConn) OnError(fn func(error)) {
	c.mu.Lock()
	c.errFns = append(c.errFns, fn)
	c.mu.Unlock()
	c.inner.OnError(fn)
}

// End defers committing the request to the engine goroutine. The deferred
// error path only covers End itself; everything later is reported through
// the handlers passed to OnError.
func (c *loopConn) End() error {
	c.engine.enqueue(func() {
		if err := c.inner.End(); err != nil {
			c.fail(err)
		}
	})
	return nil
}

func (c *loopConn) fail(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.errFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
