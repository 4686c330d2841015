package jsenv

import (
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/ebulut/goxhr/xhr"
)

// RequestFactory produces the XMLHttpRequest instances backing the
// `new XMLHttpRequest()` global. Hosts use it to pre-wire transports,
// loggers and TLS options before handing an instance to script code.
type RequestFactory func() *xhr.XMLHttpRequest

// Engine hosts scripts in a goja runtime with an XMLHttpRequest global.
//
// All JavaScript runs on the goroutine that calls Run. Transport callbacks
// arrive on other goroutines and are marshalled onto the Run goroutine
// through the job queue, so scripts never observe concurrent execution.
// Run returns once the script has evaluated and every request it started
// has settled.
type Engine struct {
	vm      *goja.Runtime
	jobs    chan func()
	pending atomic.Int64
	timeout time.Duration
	factory RequestFactory
	logger  zerolog.Logger

	closeMu sync.RWMutex
	closed  bool

	mu   sync.Mutex
	logs []string
}

// NewEngine creates an engine with the given wall-clock timeout covering
// both script evaluation and the event drain. Zero means 30 seconds.
func NewEngine(timeout time.Duration) *Engine {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	e := &Engine{
		vm:      goja.New(),
		jobs:    make(chan func(), 256),
		timeout: timeout,
		logger:  zerolog.Nop(),
	}
	e.registerGlobals()
	return e
}

// SetRequestFactory replaces the default xhr.New factory.
func (e *Engine) SetRequestFactory(f RequestFactory) {
	e.factory = f
}

// SetLogger sets the logger used for listener errors and console.error.
func (e *Engine) SetLogger(logger zerolog.Logger) {
	e.logger = logger
}

// Logs returns everything the script wrote through console.*.
func (e *Engine) Logs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.logs...)
}

// Run evaluates the script, then pumps the job queue until every request
// the script started has delivered its terminal event. An engine runs one
// script: Run may only be called once.
func (e *Engine) Run(script string) error {
	defer e.shutdown()
	deadline := time.Now().Add(e.timeout)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.vm.Interrupt("script timeout exceeded")
		case <-stop:
		}
	}()

	if _, err := e.vm.RunString(script); err != nil {
		return fmt.Errorf("script error: %w", err)
	}

	for e.pending.Load() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out with %d requests in flight", e.pending.Load())
		}
		wait := time.NewTimer(remaining)
		select {
		case job := <-e.jobs:
			wait.Stop()
			job()
		case <-wait.C:
			return fmt.Errorf("timed out with %d requests in flight", e.pending.Load())
		}
	}

	// Callbacks enqueued before the settle job are delivered by shutdown.
	return nil
}

// shutdown marks the engine closed and runs every job accepted before the
// close. Bridged dispatches block their transport goroutine until their job
// has run, so abandoning the queue here would leave those goroutines stuck.
func (e *Engine) shutdown() {
	e.closeMu.Lock()
	e.closed = true
	e.closeMu.Unlock()
	for {
		select {
		case job := <-e.jobs:
			job()
		default:
			return
		}
	}
}

// enqueue queues a job for the Run goroutine and reports whether it was
// accepted. Called from transport goroutines; blocks only if the queue is
// full, which backpressures the transport rather than dropping events.
// Holding the read lock across the send means any accepted job is in the
// queue before shutdown starts draining, so nothing is lost in between.
func (e *Engine) enqueue(job func()) bool {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return false
	}
	e.jobs <- job
	return true
}

func (e *Engine) newRequest() *xhr.XMLHttpRequest {
	if e.factory != nil {
		return e.factory()
	}
	return xhr.New()
}

func (e *Engine) appendLog(line string) {
	e.mu.Lock()
	e.logs = append(e.logs, line)
	e.mu.Unlock()
}

func (e *Engine) registerGlobals() {
	vm := e.vm

	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		e.appendLog(fmt.Sprintln(args...))
		return goja.Undefined()
	}
	console.Set("log", logFn)
	console.Set("warn", logFn)
	console.Set("error", func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		line := fmt.Sprintln(args...)
		e.appendLog(line)
		e.logger.Error().Msg(line)
		return goja.Undefined()
	})
	vm.Set("console", console)

	vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	})
	vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob: invalid base64 input")))
		}
		return vm.ToValue(string(decoded))
	})

	vm.Set("XMLHttpRequest", e.xhrConstructor())
}
