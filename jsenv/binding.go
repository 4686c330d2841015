package jsenv

import (
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/ebulut/goxhr/xhr"
)

var dispatchedEvents = []string{
	xhr.EventReadyStateChange,
	xhr.EventLoadStart,
	xhr.EventLoad,
	xhr.EventLoadEnd,
	xhr.EventError,
}

var stateConstants = map[string]int{
	"UNSENT":           int(xhr.Unsent),
	"OPENED":           int(xhr.Opened),
	"HEADERS_RECEIVED": int(xhr.HeadersReceived),
	"LOADING":          int(xhr.Loading),
	"DONE":             int(xhr.Done),
}

// requestWrapper ties one goja object to one xhr.XMLHttpRequest. The
// listener map is touched only from the engine's Run goroutine. inCall
// counts how deep the engine goroutine is inside open/send/abort (handlers
// may re-enter those methods): events fired inside that window come from
// the engine goroutine itself and are dispatched directly instead of
// through the job queue.
type requestWrapper struct {
	engine    *Engine
	req       *xhr.XMLHttpRequest
	obj       *goja.Object
	listeners map[string][]goja.Value
	inFlight  atomic.Bool
	inCall    atomic.Int32
}

// xhrConstructor builds the XMLHttpRequest global. Ready-state constants
// live on both the constructor and each instance, matching the browser
// object shape scripts poke at.
func (e *Engine) xhrConstructor() goja.Value {
	vm := e.vm
	ctor := vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		w := &requestWrapper{
			engine:    e,
			req:       e.newRequest(),
			obj:       call.This,
			listeners: make(map[string][]goja.Value),
		}
		w.bind()
		return nil
	}).(*goja.Object)
	for name, value := range stateConstants {
		ctor.Set(name, value)
	}
	return ctor
}

func (w *requestWrapper) bind() {
	vm := w.engine.vm
	obj := w.obj

	for name, value := range stateConstants {
		obj.Set(name, value)
	}

	w.defineGetter("readyState", func() goja.Value { return vm.ToValue(int(w.req.ReadyState())) })
	w.defineGetter("status", func() goja.Value { return vm.ToValue(w.req.Status()) })
	w.defineGetter("statusText", func() goja.Value { return vm.ToValue(w.req.StatusText()) })
	w.defineGetter("responseText", func() goja.Value { return vm.ToValue(w.req.ResponseText()) })
	w.defineGetter("responseXML", func() goja.Value { return vm.ToValue(w.req.ResponseXML()) })

	obj.Set("open", w.jsOpen)
	obj.Set("setRequestHeader", w.jsSetRequestHeader)
	obj.Set("send", w.jsSend)
	obj.Set("abort", w.jsAbort)
	obj.Set("getResponseHeader", func(call goja.FunctionCall) goja.Value {
		value := w.req.GetResponseHeader(call.Argument(0).String())
		if value == "" {
			return goja.Null()
		}
		return vm.ToValue(value)
	})
	obj.Set("getAllResponseHeaders", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(w.req.GetAllResponseHeaders())
	})
	obj.Set("getRequestHeader", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(w.req.GetRequestHeader(call.Argument(0).String()))
	})
	obj.Set("setDisableHeaderCheck", func(call goja.FunctionCall) goja.Value {
		w.req.SetDisableHeaderCheck(call.Argument(0).ToBoolean())
		return goja.Undefined()
	})
	obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		if fn := call.Argument(1); isCallable(fn) {
			w.listeners[event] = append(w.listeners[event], fn)
		}
		return goja.Undefined()
	})
	obj.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn := call.Argument(1)
		kept := w.listeners[event][:0]
		for _, l := range w.listeners[event] {
			if !l.StrictEquals(fn) {
				kept = append(kept, l)
			}
		}
		w.listeners[event] = kept
		return goja.Undefined()
	})

	// Wire activity must not start while the engine goroutine is inside a
	// method call, so the request's transport commits through the job queue.
	w.req.SetTransport(&loopTransport{engine: w.engine, inner: w.req.Transport()})

	// Bridge every event from the request's dispatch goroutine onto the
	// engine goroutine. Transport-side dispatch blocks until the handlers
	// have run, so a handler always observes the state the event announced.
	// The terminal listeners settle the pending count; the decrement itself
	// is enqueued so it lands behind the dispatch jobs for the same event.
	for _, name := range dispatchedEvents {
		name := name
		w.req.AddEventListener(name, func(ev xhr.Event) {
			w.bridge(name)
		})
	}
	w.req.AddEventListener(xhr.EventLoadEnd, func(xhr.Event) { w.settle() })
	w.req.AddEventListener(xhr.EventError, func(xhr.Event) { w.settle() })
}

func (w *requestWrapper) bridge(name string) {
	if w.inCall.Load() > 0 {
		w.dispatchJS(name)
		return
	}
	done := make(chan struct{})
	if !w.engine.enqueue(func() {
		defer close(done)
		w.dispatchJS(name)
	}) {
		return
	}
	<-done
}

func (w *requestWrapper) defineGetter(name string, get func() goja.Value) {
	vm := w.engine.vm
	getter := vm.ToValue(func(call goja.FunctionCall) goja.Value { return get() })
	w.obj.DefineAccessorProperty(name, getter, goja.Undefined(), goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (w *requestWrapper) jsOpen(call goja.FunctionCall) goja.Value {
	method := call.Argument(0).String()
	rawurl := call.Argument(1).String()
	async := true
	if len(call.Arguments) >= 3 && !goja.IsUndefined(call.Argument(2)) {
		async = call.Argument(2).ToBoolean()
	}
	var userinfo []string
	if len(call.Arguments) >= 4 && argString(call.Argument(3)) != "" {
		userinfo = append(userinfo, call.Argument(3).String())
		if len(call.Arguments) >= 5 {
			userinfo = append(userinfo, argString(call.Argument(4)))
		}
	}

	// open terminates any request still in flight without a terminal
	// event, so the pending count is released here.
	w.settle()
	w.inCall.Add(1)
	err := w.req.Open(method, rawurl, async, userinfo...)
	w.inCall.Add(-1)
	if err != nil {
		panic(w.engine.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (w *requestWrapper) jsSetRequestHeader(call goja.FunctionCall) goja.Value {
	ok, err := w.req.SetRequestHeader(call.Argument(0).String(), call.Argument(1).String())
	if err != nil {
		panic(w.engine.vm.NewGoError(err))
	}
	return w.engine.vm.ToValue(ok)
}

func (w *requestWrapper) jsSend(call goja.FunctionCall) goja.Value {
	body := argString(call.Argument(0))
	fresh := w.inFlight.CompareAndSwap(false, true)
	if fresh {
		w.engine.pending.Add(1)
	}
	w.inCall.Add(1)
	err := w.req.Send(body)
	w.inCall.Add(-1)
	if err != nil {
		// A rejected re-send must not release the slot the in-flight
		// request still owns.
		if fresh {
			w.settle()
		}
		panic(w.engine.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (w *requestWrapper) jsAbort(call goja.FunctionCall) goja.Value {
	w.inCall.Add(1)
	w.req.Abort()
	w.inCall.Add(-1)
	w.settle()
	return goja.Undefined()
}

// settle releases the pending slot exactly once per send. The decrement
// runs as a job so handlers already queued for the terminal event fire
// before Run can observe a zero pending count.
func (w *requestWrapper) settle() {
	if w.inFlight.CompareAndSwap(true, false) {
		w.engine.enqueue(func() { w.engine.pending.Add(-1) })
	}
}

// dispatchJS runs on the engine goroutine: the on<event> property first,
// then addEventListener registrations in order. Handler exceptions are
// logged and do not stop the remaining handlers.
func (w *requestWrapper) dispatchJS(name string) {
	vm := w.engine.vm
	ev := vm.NewObject()
	ev.Set("type", name)
	ev.Set("target", w.obj)

	if handler := w.obj.Get("on" + name); handler != nil {
		w.callHandler(name, handler, ev)
	}
	for _, fn := range append([]goja.Value(nil), w.listeners[name]...) {
		w.callHandler(name, fn, ev)
	}
}

func (w *requestWrapper) callHandler(name string, handler goja.Value, ev goja.Value) {
	fn, ok := goja.AssertFunction(handler)
	if !ok {
		return
	}
	if _, err := fn(w.obj, ev); err != nil {
		w.engine.logger.Error().Str("event", name).Err(err).Msg("script event handler failed")
	}
}

func isCallable(v goja.Value) bool {
	_, ok := goja.AssertFunction(v)
	return ok
}

func argString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
