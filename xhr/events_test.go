package xhr

import (
	"testing"
)

func TestSlotFiresBeforeListeners(t *testing.T) {
	x, _ := newTestXHR(okResponse("ok"))

	var order []string
	x.OnLoad = func(Event) { order = append(order, "slot") }
	x.AddEventListener(EventLoad, func(Event) { order = append(order, "first") })
	x.AddEventListener(EventLoad, func(Event) { order = append(order, "second") })

	x.Open("GET", "http://example.com/", true)
	x.Send("")

	want := []string{"slot", "first", "second"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRemoveEventListener(t *testing.T) {
	x, _ := newTestXHR(okResponse("ok"))

	calls := 0
	handler := EventHandler(func(Event) { calls++ })
	x.AddEventListener(EventLoad, handler)
	x.RemoveEventListener(EventLoad, handler)

	x.Open("GET", "http://example.com/", true)
	x.Send("")

	if calls != 0 {
		t.Fatalf("removed listener fired %d times", calls)
	}
}

func TestUnknownEventNameIgnored(t *testing.T) {
	x, _ := newTestXHR(okResponse("ok"))

	x.AddEventListener("progress", func(Event) {
		t.Error("listener for an unsupported event fired")
	})

	x.Open("GET", "http://example.com/", true)
	x.Send("")
}

func TestEventCarriesType(t *testing.T) {
	x, _ := newTestXHR(okResponse("ok"))

	var got string
	x.AddEventListener(EventLoadEnd, func(ev Event) { got = ev.Type })

	x.Open("GET", "http://example.com/", true)
	x.Send("")

	if got != EventLoadEnd {
		t.Fatalf("event type = %q, want %q", got, EventLoadEnd)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	x, _ := newTestXHR(okResponse("ok"))

	reached := false
	x.AddEventListener(EventLoad, func(Event) { panic("listener bug") })
	x.AddEventListener(EventLoad, func(Event) { reached = true })

	x.Open("GET", "http://example.com/", true)
	x.Send("")

	if !reached {
		t.Fatal("listener after the panicking one did not run")
	}
	if got := x.ReadyState(); got != Done {
		t.Fatalf("ReadyState() = %d, want DONE despite the panic", got)
	}
}

func TestListenerMayAbortMidDispatch(t *testing.T) {
	x, _ := newTestXHR(okResponse("ok"))

	// Re-entering the instance from a listener must not deadlock.
	x.AddEventListener(EventLoadEnd, func(Event) { x.Abort() })

	x.Open("GET", "http://example.com/", true)
	x.Send("")

	if got := x.ReadyState(); got != Unsent {
		t.Fatalf("ReadyState() = %d, want UNSENT", got)
	}
}
