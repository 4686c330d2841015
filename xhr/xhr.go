// Package xhr emulates the browser XMLHttpRequest contract on top of a
// pluggable asynchronous transport, so code written against the standard
// browser networking API can run unmodified outside a browser.
package xhr

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ReadyState is the lifecycle stage of one HTTP exchange.
type ReadyState int

const (
	Unsent          ReadyState = 0
	Opened          ReadyState = 1
	HeadersReceived ReadyState = 2
	Loading         ReadyState = 3
	Done            ReadyState = 4
)

// DefaultMaxRedirects caps how many 302/303/307 responses one send cycle
// follows before the exchange is failed.
const DefaultMaxRedirects = 10

const defaultUserAgent = "goxhr/1.0 (golang)"

type settings struct {
	method   string
	url      string
	async    bool
	user     string
	password string
}

// XMLHttpRequest emulates one browser XHR object. An instance handles a
// single exchange at a time and is reused across send cycles: each Open
// aborts any in-flight exchange and rearms the object.
//
// The five On* slots are the single-callback counterparts of the browser
// "onreadystatechange"-style properties. Set them before Send; they are read
// without synchronization at dispatch time.
type XMLHttpRequest struct {
	OnReadyStateChange EventHandler
	OnLoadStart        EventHandler
	OnLoad             EventHandler
	OnLoadEnd          EventHandler
	OnError            EventHandler

	mu                 sync.Mutex
	state              ReadyState
	settings           settings
	headers            map[string]string
	headerNames        map[string]string // lower-cased name -> name as first set
	listeners          map[string][]EventHandler
	sendFlag           bool
	errorFlag          bool
	disableHeaderCheck bool
	status             int
	statusText         string
	responseText       []byte
	responseHeaders    map[string]string
	redirects          int
	conn               Connection

	transport    Transport
	tlsOpts      *TLSOptions
	maxRedirects int
	userAgent    string
	logger       zerolog.Logger
}

// New returns an unsent XMLHttpRequest backed by DefaultTransport.
func New() *XMLHttpRequest {
	x := &XMLHttpRequest{
		transport:    DefaultTransport,
		listeners:    make(map[string][]EventHandler),
		maxRedirects: DefaultMaxRedirects,
		userAgent:    defaultUserAgent,
		logger:       zerolog.Nop(),
	}
	x.resetHeaders()
	return x
}

// SetTransport replaces the transport used for subsequent sends.
func (x *XMLHttpRequest) SetTransport(t Transport) {
	if t == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.transport = t
}

// Transport returns the transport used for sends.
func (x *XMLHttpRequest) Transport() Transport {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.transport
}

// SetLogger sets the logger used for header-refusal warnings and listener
// panic reports. The default logger discards everything.
func (x *XMLHttpRequest) SetLogger(logger zerolog.Logger) {
	x.logger = logger
}

// SetTLSOptions sets TLS overrides passed to the transport with every
// request issued by this instance.
func (x *XMLHttpRequest) SetTLSOptions(opts *TLSOptions) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tlsOpts = opts
}

// SetMaxRedirects changes the redirect-chain cap for subsequent sends.
func (x *XMLHttpRequest) SetMaxRedirects(n int) {
	if n < 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.maxRedirects = n
}

// SetUserAgent changes the User-Agent header applied to this request and
// restored on every header reset. An empty value is ignored.
func (x *XMLHttpRequest) SetUserAgent(ua string) {
	if ua == "" {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.userAgent = ua
	x.setHeaderReplaceLocked("User-Agent", ua)
}

// SetDisableHeaderCheck toggles forbidden-header validation. Method
// validation is unaffected.
func (x *XMLHttpRequest) SetDisableHeaderCheck(disable bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.disableHeaderCheck = disable
}

// Open initializes a request cycle, implicitly aborting any exchange still
// in flight. The optional trailing arguments are a user and password for
// Basic authentication. Synchronous mode (async=false) is accepted here but
// rejected by Send, mirroring the historical browser behavior.
func (x *XMLHttpRequest) Open(method, rawurl string, async bool, userinfo ...string) error {
	x.Abort()

	x.mu.Lock()
	defer x.mu.Unlock()
	x.errorFlag = false

	if !allowedMethod(method) {
		return fmt.Errorf("%w: method %q not allowed", ErrSecurity, method)
	}

	x.settings = settings{method: method, url: rawurl, async: async}
	if len(userinfo) > 0 {
		x.settings.user = userinfo[0]
	}
	if len(userinfo) > 1 {
		x.settings.password = userinfo[1]
	}

	x.setStateLocked(Opened)
	return nil
}

// SetRequestHeader adds a header to the outgoing request. Setting the same
// header twice combines the values with ", ". A forbidden header name is
// refused without error: the method logs a warning and reports false, which
// callers may rely on. Calling outside the OPENED-and-not-sent window is an
// ErrInvalidState failure.
func (x *XMLHttpRequest) SetRequestHeader(name, value string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != Opened {
		return false, fmt.Errorf("%w: SetRequestHeader requires an opened request", ErrInvalidState)
	}
	if x.sendFlag {
		return false, fmt.Errorf("%w: send already in progress", ErrInvalidState)
	}
	if !x.disableHeaderCheck && !allowedHeader(name) {
		x.logger.Warn().Str("header", name).Msg("refused to set unsafe header")
		return false, nil
	}
	x.setHeaderLocked(name, value)
	return true, nil
}

// GetRequestHeader returns the value of an outgoing header, matching the
// name case-insensitively, or "" if unset.
func (x *XMLHttpRequest) GetRequestHeader(name string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if canonical, ok := x.headerNames[strings.ToLower(name)]; ok {
		return x.headers[canonical]
	}
	return ""
}

// Send issues the request configured by Open. The body is ignored for GET
// and HEAD. Send fails without any transport activity for synchronous mode,
// the file: scheme, or an unknown scheme; every later failure is reported
// through the event/state interface instead.
func (x *XMLHttpRequest) Send(body string) error {
	x.mu.Lock()
	if x.state != Opened {
		x.mu.Unlock()
		return fmt.Errorf("%w: connection must be opened before send", ErrInvalidState)
	}
	if x.sendFlag {
		x.mu.Unlock()
		return fmt.Errorf("%w: send has already been called", ErrInvalidState)
	}
	x.redirects = 0
	x.mu.Unlock()

	opts, err := x.buildOptions()
	if err != nil {
		return err
	}

	x.mu.Lock()
	if x.settings.user != "" {
		auth := x.settings.user + ":" + x.settings.password
		x.setHeaderReplaceLocked("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}

	data := body
	switch {
	case x.settings.method == "GET" || x.settings.method == "HEAD":
		data = ""
	case data != "":
		x.setHeaderReplaceLocked("Content-Length", strconv.Itoa(len(data)))
		if _, ok := x.headerNames["content-type"]; !ok {
			x.setHeaderLocked("Content-Type", "text/plain;charset=UTF-8")
		}
	case x.settings.method == "POST":
		x.setHeaderReplaceLocked("Content-Length", "0")
	}
	opts.Headers = x.cloneHeadersLocked()
	async := x.settings.async
	x.mu.Unlock()

	if !async {
		return fmt.Errorf("%w: synchronous requests", ErrNotSupported)
	}

	x.mu.Lock()
	x.sendFlag = true
	x.mu.Unlock()
	x.dispatchEvent(EventReadyStateChange)

	// A readystatechange handler may have aborted the send already.
	x.mu.Lock()
	proceed := x.sendFlag
	x.mu.Unlock()
	if proceed {
		x.startRequest(opts, data)
	}
	return nil
}

// Abort cancels the underlying connection and rearms the object: headers
// return to their defaults, response buffers are cleared and the error flag
// is raised. A mid-exchange abort first forces the terminal DONE transition
// so listeners observe it, then the state drops back to UNSENT.
func (x *XMLHttpRequest) Abort() {
	x.mu.Lock()
	conn := x.conn
	x.conn = nil
	x.resetHeaders()
	x.status = 0
	x.statusText = ""
	x.responseText = nil
	x.responseHeaders = nil
	x.errorFlag = true
	skipDone := x.state == Unsent ||
		(x.state == Opened && !x.sendFlag) ||
		x.state == Done
	x.sendFlag = false
	x.mu.Unlock()

	if conn != nil {
		conn.Abort()
	}
	if !skipDone {
		x.setState(Done)
	}

	x.mu.Lock()
	x.state = Unsent
	x.mu.Unlock()
}

// ReadyState returns the current lifecycle state.
func (x *XMLHttpRequest) ReadyState() ReadyState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Status returns the HTTP status code, or 503 after a transport failure.
func (x *XMLHttpRequest) Status() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// StatusText returns the reason phrase for Status, or the transport error
// text after a failure.
func (x *XMLHttpRequest) StatusText() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.statusText
}

// ResponseText returns the response body received so far.
func (x *XMLHttpRequest) ResponseText() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return string(x.responseText)
}

// ResponseXML is present for contract compatibility and is always empty:
// the emulator does not parse XML documents.
func (x *XMLHttpRequest) ResponseXML() string {
	return ""
}

// RequestMethod returns the method set by Open, reflecting the GET
// downgrade after a 303 redirect.
func (x *XMLHttpRequest) RequestMethod() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.settings.method
}

// RequestURL returns the target URL, reflecting any redirects followed.
func (x *XMLHttpRequest) RequestURL() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.settings.url
}

// RedirectCount returns how many redirects the current or most recent send
// cycle followed.
func (x *XMLHttpRequest) RedirectCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.redirects
}

// GetResponseHeader returns a response header by case-insensitive name.
// It degrades to "" before headers arrive or after an abnormal termination.
func (x *XMLHttpRequest) GetResponseHeader(name string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state <= Opened || x.errorFlag || x.responseHeaders == nil {
		return ""
	}
	return x.responseHeaders[strings.ToLower(name)]
}

// GetAllResponseHeaders returns every response header as "name: value"
// lines terminated by CRLF, names lower-cased and sorted. It degrades to ""
// before headers arrive or after an abnormal termination.
func (x *XMLHttpRequest) GetAllResponseHeaders() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state < HeadersReceived || x.errorFlag {
		return ""
	}
	names := make([]string, 0, len(x.responseHeaders))
	for name := range x.responseHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(x.responseHeaders[name])
		b.WriteString("\r\n")
	}
	return b.String()
}

// buildOptions resolves the current target URL into transport options and
// records the derived Host header. Scheme defaulting and rejection follow
// the browser contract: no scheme means localhost, file: and anything that
// is not http(s) is refused.
func (x *XMLHttpRequest) buildOptions() (*RequestOptions, error) {
	x.mu.Lock()
	rawurl := x.settings.url
	method := x.settings.method
	tlsOpts := x.tlsOpts
	x.mu.Unlock()

	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	ssl := false
	switch u.Scheme {
	case "https":
		ssl = true
	case "http", "":
	case "file":
		return nil, fmt.Errorf("%w: file scheme", ErrNotSupported)
	default:
		return nil, fmt.Errorf("%w: protocol %q", ErrNotSupported, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}

	port := 80
	scheme := "http"
	if ssl {
		port = 443
		scheme = "https"
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parsing port: %w", err)
		}
	}

	hostHeader := host
	if (ssl && port != 443) || (!ssl && port != 80) {
		hostHeader += ":" + strconv.Itoa(port)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	x.mu.Lock()
	x.setHeaderReplaceLocked("Host", hostHeader)
	headers := x.cloneHeadersLocked()
	x.mu.Unlock()

	return &RequestOptions{
		Protocol: scheme,
		Hostname: host,
		Port:     port,
		Path:     path,
		Method:   method,
		Headers:  headers,
		TLS:      tlsOpts,
	}, nil
}

// startRequest issues one wire request. The loadstart event fires after the
// transport call and before the body is written, so it always precedes any
// response-side event.
func (x *XMLHttpRequest) startRequest(opts *RequestOptions, body string) {
	x.mu.Lock()
	transport := x.transport
	x.mu.Unlock()

	conn, err := transport.Request(opts, func(resp *Response) {
		x.handleResponse(body, resp)
	})
	if err != nil {
		x.handleError(err)
		return
	}

	x.mu.Lock()
	x.conn = conn
	firstHop := x.redirects == 0
	x.mu.Unlock()

	conn.OnError(x.handleError)
	if firstHop {
		x.dispatchEvent(EventLoadStart)
	}
	if body != "" {
		if err := conn.Write([]byte(body)); err != nil {
			x.handleError(err)
			return
		}
	}
	if err := conn.End(); err != nil {
		x.handleError(err)
	}
}

// handleResponse decodes transport responses into state transitions.
// Redirects are followed here without surfacing an observable state change;
// the response stream of a redirect hop is left unclaimed so the transport
// drains it.
func (x *XMLHttpRequest) handleResponse(body string, resp *Response) {
	switch resp.StatusCode {
	case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		if loc := resp.Headers["location"]; loc != "" {
			x.followRedirect(resp.StatusCode, loc, body)
			return
		}
	}

	x.mu.Lock()
	if !x.sendFlag {
		x.mu.Unlock()
		return
	}
	x.status = resp.StatusCode
	x.statusText = http.StatusText(resp.StatusCode)
	x.responseHeaders = resp.Headers
	x.mu.Unlock()
	x.setState(HeadersReceived)

	resp.OnData = func(chunk []byte) {
		x.mu.Lock()
		if !x.sendFlag {
			x.mu.Unlock()
			return
		}
		x.responseText = append(x.responseText, chunk...)
		repeat := x.state == Loading
		x.mu.Unlock()
		// setState is a strict no-op on unchanged states, but every chunk
		// must be observable, so repeat chunks re-emit directly.
		if repeat {
			x.dispatchEvent(EventReadyStateChange)
		} else {
			x.setState(Loading)
		}
	}
	resp.OnEnd = func() {
		x.mu.Lock()
		if !x.sendFlag {
			x.mu.Unlock()
			return
		}
		x.sendFlag = false
		x.conn = nil
		x.mu.Unlock()
		x.setState(Done)
	}
	resp.OnError = x.handleError
}

func (x *XMLHttpRequest) followRedirect(status int, location, body string) {
	x.mu.Lock()
	if !x.sendFlag {
		x.mu.Unlock()
		return
	}
	if x.redirects >= x.maxRedirects {
		limit := x.maxRedirects
		x.mu.Unlock()
		x.handleError(fmt.Errorf("too many redirects (limit %d)", limit))
		return
	}
	x.redirects++
	base, err := url.Parse(x.settings.url)
	if err == nil {
		if ref, refErr := url.Parse(location); refErr == nil {
			location = base.ResolveReference(ref).String()
		}
	}
	x.settings.url = location
	if status == http.StatusSeeOther {
		x.settings.method = "GET"
		body = ""
	}
	x.conn = nil
	x.mu.Unlock()

	opts, err := x.buildOptions()
	if err != nil {
		x.handleError(err)
		return
	}
	x.startRequest(opts, body)
}

// handleError is the single funnel for transport-level failures: the
// exchange lands in DONE with status 503, the error detail in the response
// fields and the error flag raised, then the error event fires. No failure
// on this path ever surfaces as a returned error. Errors trailing in after
// an abort or a completed exchange are dropped.
func (x *XMLHttpRequest) handleError(err error) {
	x.mu.Lock()
	if !x.sendFlag {
		x.mu.Unlock()
		return
	}
	x.status = http.StatusServiceUnavailable
	x.statusText = err.Error()
	x.responseText = []byte(err.Error())
	x.errorFlag = true
	x.sendFlag = false
	x.conn = nil
	x.mu.Unlock()
	x.setState(Done)
	x.dispatchEvent(EventError)
}

// setState advances the lifecycle and emits events per the browser quirk
// table: readystatechange fires for asynchronous exchanges, for states
// below OPENED, and for DONE; load and loadend follow DONE only when the
// exchange ended normally. Equal-state transitions are strict no-ops.
func (x *XMLHttpRequest) setState(state ReadyState) {
	x.mu.Lock()
	fire, terminal := x.applyStateLocked(state)
	x.mu.Unlock()
	x.emitState(fire, terminal)
}

func (x *XMLHttpRequest) setStateLocked(state ReadyState) {
	fire, terminal := x.applyStateLocked(state)
	x.mu.Unlock()
	x.emitState(fire, terminal)
	x.mu.Lock()
}

func (x *XMLHttpRequest) applyStateLocked(state ReadyState) (fire, terminal bool) {
	if x.state == state {
		return false, false
	}
	x.state = state
	fire = x.settings.async || state < Opened || state == Done
	terminal = state == Done && !x.errorFlag
	return fire, terminal
}

func (x *XMLHttpRequest) emitState(fire, terminal bool) {
	if fire {
		x.dispatchEvent(EventReadyStateChange)
	}
	if terminal {
		x.dispatchEvent(EventLoad)
		x.dispatchEvent(EventLoadEnd)
	}
}

func (x *XMLHttpRequest) resetHeaders() {
	x.headers = map[string]string{
		"User-Agent": x.userAgent,
		"Accept":     "*/*",
	}
	x.headerNames = map[string]string{
		"user-agent": "User-Agent",
		"accept":     "Accept",
	}
}

// setHeaderLocked combines repeated values with ", " under the name casing
// used when the header was first set.
func (x *XMLHttpRequest) setHeaderLocked(name, value string) {
	lower := strings.ToLower(name)
	if canonical, ok := x.headerNames[lower]; ok {
		name = canonical
	} else {
		x.headerNames[lower] = name
	}
	if existing, ok := x.headers[name]; ok && existing != "" {
		x.headers[name] = existing + ", " + value
	} else {
		x.headers[name] = value
	}
}

// setHeaderReplaceLocked overwrites any prior value. Used for headers the
// emulator owns: Host, Authorization, Content-Length.
func (x *XMLHttpRequest) setHeaderReplaceLocked(name, value string) {
	lower := strings.ToLower(name)
	if canonical, ok := x.headerNames[lower]; ok {
		name = canonical
	} else {
		x.headerNames[lower] = name
	}
	x.headers[name] = value
}

func (x *XMLHttpRequest) cloneHeadersLocked() map[string]string {
	clone := make(map[string]string, len(x.headers))
	for name, value := range x.headers {
		clone[name] = value
	}
	return clone
}
