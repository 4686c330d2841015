package xhr

import "reflect"

// Event names dispatched by XMLHttpRequest. The set is fixed: listeners
// registered for any other name are ignored.
const (
	EventReadyStateChange = "readystatechange"
	EventLoadStart        = "loadstart"
	EventLoad             = "load"
	EventLoadEnd          = "loadend"
	EventError            = "error"
)

var knownEvents = map[string]bool{
	EventReadyStateChange: true,
	EventLoadStart:        true,
	EventLoad:             true,
	EventLoadEnd:          true,
	EventError:            true,
}

// Event is passed to every handler when it fires.
type Event struct {
	Type string
}

// EventHandler handles a dispatched event.
type EventHandler func(Event)

// AddEventListener registers fn for the named event. Listeners fire after
// the single On* slot, in registration order. Unknown event names are
// ignored.
func (x *XMLHttpRequest) AddEventListener(event string, fn EventHandler) {
	if !knownEvents[event] || fn == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listeners[event] = append(x.listeners[event], fn)
}

// RemoveEventListener removes every registered listener whose function
// identity matches fn. Closures are only removable through the same value
// that was registered.
func (x *XMLHttpRequest) RemoveEventListener(event string, fn EventHandler) {
	if fn == nil {
		return
	}
	ptr := reflect.ValueOf(fn).Pointer()
	x.mu.Lock()
	defer x.mu.Unlock()
	kept := x.listeners[event][:0]
	for _, l := range x.listeners[event] {
		if reflect.ValueOf(l).Pointer() != ptr {
			kept = append(kept, l)
		}
	}
	x.listeners[event] = kept
}

// dispatchEvent fires the On* slot first, then registered listeners in
// order. Must be called without x.mu held: handlers may re-enter the
// instance, e.g. calling Abort mid-dispatch.
func (x *XMLHttpRequest) dispatchEvent(event string) {
	ev := Event{Type: event}
	if h := x.slot(event); h != nil {
		x.invoke(h, ev)
	}
	x.mu.Lock()
	snapshot := append([]EventHandler(nil), x.listeners[event]...)
	x.mu.Unlock()
	for _, fn := range snapshot {
		x.invoke(fn, ev)
	}
}

func (x *XMLHttpRequest) slot(event string) EventHandler {
	switch event {
	case EventReadyStateChange:
		return x.OnReadyStateChange
	case EventLoadStart:
		return x.OnLoadStart
	case EventLoad:
		return x.OnLoad
	case EventLoadEnd:
		return x.OnLoadEnd
	case EventError:
		return x.OnError
	}
	return nil
}

// invoke isolates handler panics so one failing listener cannot take down
// the dispatch loop or the transport goroutine delivering the event.
func (x *XMLHttpRequest) invoke(fn EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error().Str("event", ev.Type).Interface("panic", r).Msg("event listener panicked")
		}
	}()
	fn(ev)
}
