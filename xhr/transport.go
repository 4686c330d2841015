package xhr

import (
	"fmt"
	"strconv"
)

// RequestOptions describes one wire request handed to a Transport.
type RequestOptions struct {
	Protocol string // "http" or "https"
	Hostname string
	Port     int
	Path     string // request path including any raw query
	Method   string
	Headers  map[string]string
	TLS      *TLSOptions
	ProxyURL string // overrides any transport-level proxy when non-empty
}

// URL reassembles the options into an absolute URL string.
func (o *RequestOptions) URL() string {
	return fmt.Sprintf("%s://%s:%s%s", o.Protocol, o.Hostname, strconv.Itoa(o.Port), o.Path)
}

// Response is the transport's view of response headers plus a streamed
// body. The consumer assigns the On* callbacks inside the response callback
// passed to Request; the transport honors them once that callback returns.
// If OnData/OnEnd are left nil the transport drains and discards the body,
// which is how redirect hops are consumed without caller involvement.
//
// Header keys are lower-cased; multiple values are joined with ", ".
type Response struct {
	StatusCode int
	Headers    map[string]string

	OnData  func([]byte)
	OnEnd   func()
	OnError func(error)
}

// Connection is one in-flight request. Write buffers body bytes, End
// completes the body and commits the request, Abort cancels the underlying
// connection. Exactly one terminal notification is delivered per request:
// the response's OnEnd, or an error through OnError/the handlers registered
// here.
type Connection interface {
	Write(p []byte) error
	End() error
	Abort()
	OnError(fn func(error))
}

// Transport is the host platform's asynchronous HTTP primitive. Callbacks
// for one request are delivered strictly sequentially: the response
// callback, then body chunks in order, then one terminal event.
type Transport interface {
	Request(opts *RequestOptions, onResponse func(*Response)) (Connection, error)
}
