package jsenv

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ebulut/goxhr/xhr"
)

func logsContain(logs []string, substr string) bool {
	for _, line := range logs {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestRunSimpleScript(t *testing.T) {
	e := NewEngine(0)
	if err := e.Run(`console.log("hello from script")`); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !logsContain(e.Logs(), "hello from script") {
		t.Fatalf("Logs() = %v, want the console output", e.Logs())
	}
}

func TestScriptSyntaxError(t *testing.T) {
	e := NewEngine(0)
	if err := e.Run(`this is not javascript`); err == nil {
		t.Fatal("Run() succeeded on invalid JavaScript")
	}
}

func TestBtoaAtobRoundTrip(t *testing.T) {
	e := NewEngine(0)
	err := e.Run(`
		var encoded = btoa("user:password");
		console.log("encoded=" + encoded);
		console.log("decoded=" + atob(encoded));
	`)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	logs := e.Logs()
	if !logsContain(logs, "encoded=dXNlcjpwYXNzd29yZA==") {
		t.Fatalf("Logs() = %v, want base64 output", logs)
	}
	if !logsContain(logs, "decoded=user:password") {
		t.Fatalf("Logs() = %v, want decoded output", logs)
	}
}

func TestScriptTimeout(t *testing.T) {
	e := NewEngine(100 * time.Millisecond)
	if err := e.Run(`while (true) {}`); err == nil {
		t.Fatal("Run() returned without error for an endless loop")
	}
}

func TestReadyStateConstants(t *testing.T) {
	e := NewEngine(0)
	err := e.Run(`
		var req = new XMLHttpRequest();
		console.log("ctor=" + XMLHttpRequest.UNSENT + XMLHttpRequest.OPENED +
			XMLHttpRequest.HEADERS_RECEIVED + XMLHttpRequest.LOADING + XMLHttpRequest.DONE);
		console.log("inst=" + req.UNSENT + req.OPENED + req.HEADERS_RECEIVED + req.LOADING + req.DONE);
		console.log("initial=" + req.readyState);
	`)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	logs := e.Logs()
	if !logsContain(logs, "ctor=01234") || !logsContain(logs, "inst=01234") {
		t.Fatalf("Logs() = %v, want the constant digits", logs)
	}
	if !logsContain(logs, "initial=0") {
		t.Fatalf("Logs() = %v, want readyState 0", logs)
	}
}

func TestFetchFromScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "42")
		fmt.Fprint(w, "response body")
	}))
	defer srv.Close()

	e := NewEngine(0)
	script := fmt.Sprintf(`
		var req = new XMLHttpRequest();
		req.open("GET", %q);
		req.onload = function () {
			console.log("status=" + req.status);
			console.log("body=" + req.responseText);
			console.log("header=" + req.getResponseHeader("x-request-id"));
			console.log("missing=" + req.getResponseHeader("x-absent"));
		};
		req.send();
	`, srv.URL)

	if err := e.Run(script); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	logs := e.Logs()
	if !logsContain(logs, "status=200") {
		t.Fatalf("Logs() = %v, want status=200", logs)
	}
	if !logsContain(logs, "body=response body") {
		t.Fatalf("Logs() = %v, want the response body", logs)
	}
	if !logsContain(logs, "header=42") {
		t.Fatalf("Logs() = %v, want the response header", logs)
	}
	if !logsContain(logs, "missing=null") {
		t.Fatalf("Logs() = %v, want null for an absent header", logs)
	}
}

func TestEventOrderObservedByScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	e := NewEngine(0)
	script := fmt.Sprintf(`
		var req = new XMLHttpRequest();
		var seen = [];
		["readystatechange", "loadstart", "load", "loadend"].forEach(function (name) {
			req.addEventListener(name, function (ev) {
				seen.push(ev.type + (ev.type === "readystatechange" ? ":" + req.readyState : ""));
			});
		});
		req.addEventListener("loadend", function () {
			console.log("order=" + seen.join(","));
		});
		req.open("GET", %q);
		req.send();
	`, srv.URL)

	if err := e.Run(script); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := "order=readystatechange:1,readystatechange:1,loadstart,readystatechange:2,readystatechange:3,readystatechange:4,load,loadend"
	if !logsContain(e.Logs(), want) {
		t.Fatalf("Logs() = %v, want %q", e.Logs(), want)
	}
}

func TestSyncSendThrows(t *testing.T) {
	e := NewEngine(0)
	err := e.Run(`
		var req = new XMLHttpRequest();
		req.open("GET", "http://example.com/", false);
		try {
			req.send();
			console.log("no throw");
		} catch (err) {
			console.log("caught: " + err);
		}
	`)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	logs := e.Logs()
	if logsContain(logs, "no throw") {
		t.Fatalf("Logs() = %v, sync send did not throw", logs)
	}
	if !logsContain(logs, "not supported") {
		t.Fatalf("Logs() = %v, want the not-supported message", logs)
	}
}

func TestForbiddenMethodThrows(t *testing.T) {
	e := NewEngine(0)
	err := e.Run(`
		var req = new XMLHttpRequest();
		try {
			req.open("TRACE", "http://example.com/");
		} catch (err) {
			console.log("caught: " + err);
		}
	`)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !logsContain(e.Logs(), "security error") {
		t.Fatalf("Logs() = %v, want the security error", e.Logs())
	}
}

func TestForbiddenHeaderReturnsFalse(t *testing.T) {
	e := NewEngine(0)
	err := e.Run(`
		var req = new XMLHttpRequest();
		req.open("GET", "http://example.com/");
		console.log("forbidden=" + req.setRequestHeader("Referer", "x"));
		console.log("allowed=" + req.setRequestHeader("X-Custom", "y"));
		console.log("stored=" + req.getRequestHeader("x-custom"));
	`)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	logs := e.Logs()
	if !logsContain(logs, "forbidden=false") {
		t.Fatalf("Logs() = %v, want forbidden=false", logs)
	}
	if !logsContain(logs, "allowed=true") {
		t.Fatalf("Logs() = %v, want allowed=true", logs)
	}
	if !logsContain(logs, "stored=y") {
		t.Fatalf("Logs() = %v, want the stored header", logs)
	}
}

func TestAbortFromScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "too late")
	}))
	defer srv.Close()

	e := NewEngine(0)
	script := fmt.Sprintf(`
		var req = new XMLHttpRequest();
		req.open("GET", %q);
		req.send();
		req.abort();
		console.log("state=" + req.readyState);
	`, srv.URL)

	if err := e.Run(script); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !logsContain(e.Logs(), "state=0") {
		t.Fatalf("Logs() = %v, want readyState 0 after abort", e.Logs())
	}
}

func TestNetworkErrorReachesScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := srv.URL
	srv.Close()

	e := NewEngine(0)
	script := fmt.Sprintf(`
		var req = new XMLHttpRequest();
		req.open("GET", %q);
		req.onerror = function () {
			console.log("error status=" + req.status);
		};
		req.send();
	`, serverURL)

	if err := e.Run(script); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !logsContain(e.Logs(), "error status=503") {
		t.Fatalf("Logs() = %v, want the 503 error funnel", e.Logs())
	}
}

func TestRequestFactoryIsUsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	built := 0
	e := NewEngine(0)
	e.SetRequestFactory(func() *xhr.XMLHttpRequest {
		built++
		return xhr.New()
	})

	script := fmt.Sprintf(`
		var a = new XMLHttpRequest();
		var b = new XMLHttpRequest();
		a.open("GET", %q);
		a.send();
	`, srv.URL)
	if err := e.Run(script); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if built != 2 {
		t.Fatalf("factory built %d instances, want 2", built)
	}
}

func TestRepeatSendKeepsFirstRequestAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	e := NewEngine(0)
	script := fmt.Sprintf(`
		var req = new XMLHttpRequest();
		req.open("GET", %q);
		req.onload = function () {
			console.log("first load status=" + req.status);
		};
		req.send();
		try {
			req.send();
			console.log("second send allowed");
		} catch (err) {
			console.log("second send threw: " + err);
		}
	`, srv.URL)

	if err := e.Run(script); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	logs := e.Logs()
	if logsContain(logs, "second send allowed") {
		t.Fatalf("Logs() = %v, repeat send did not throw", logs)
	}
	if !logsContain(logs, "second send threw") {
		t.Fatalf("Logs() = %v, want the repeat-send rejection", logs)
	}
	if !logsContain(logs, "first load status=200") {
		t.Fatalf("Logs() = %v, want the first request to complete", logs)
	}
}

func TestTimeoutWithRequestInFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	e := NewEngine(200 * time.Millisecond)
	script := fmt.Sprintf(`
		var req = new XMLHttpRequest();
		req.open("GET", %q);
		req.send();
	`, srv.URL)
	if err := e.Run(script); err == nil {
		t.Fatal("Run() returned without error while a request was hung")
	}
}

func TestEnqueueRejectedAfterRun(t *testing.T) {
	e := NewEngine(0)
	if err := e.Run(`var x = 1;`); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if e.enqueue(func() {}) {
		t.Fatal("enqueue() accepted a job after Run finished")
	}
}

func TestShutdownRunsAcceptedJobs(t *testing.T) {
	e := NewEngine(0)
	ran := false
	if !e.enqueue(func() { ran = true }) {
		t.Fatal("enqueue() rejected a job before Run")
	}
	e.shutdown()
	if !ran {
		t.Fatal("shutdown() did not run the queued job")
	}
}

func TestRemoveEventListenerFromScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	e := NewEngine(0)
	script := fmt.Sprintf(`
		var req = new XMLHttpRequest();
		var removed = function () { console.log("removed fired"); };
		req.addEventListener("load", removed);
		req.removeEventListener("load", removed);
		req.addEventListener("load", function () { console.log("kept fired"); });
		req.open("GET", %q);
		req.send();
	`, srv.URL)

	if err := e.Run(script); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	logs := e.Logs()
	if logsContain(logs, "removed fired") {
		t.Fatalf("Logs() = %v, removed listener fired", logs)
	}
	if !logsContain(logs, "kept fired") {
		t.Fatalf("Logs() = %v, kept listener did not fire", logs)
	}
}
