package xhr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultTransport backs XMLHttpRequest instances that were not given an
// explicit transport.
var DefaultTransport Transport = NewHTTPTransport()

// ProxyConfig holds transport-level proxy settings.
type ProxyConfig struct {
	URL     string // http://, https://, or socks5:// proxy URL
	NoProxy string // comma-separated list of hosts to bypass proxy
}

// HTTPTransport implements Transport over net/http. Automatic redirect
// following is disabled so the emulator observes every hop, and the
// response body is delivered in ordered chunks from a single goroutine.
type HTTPTransport struct {
	mu        sync.Mutex
	proxyConf *ProxyConfig
	timeout   time.Duration
}

// NewHTTPTransport creates a transport with no timeout: the emulation layer
// deliberately has none, callers layer timeouts over Abort.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{}
}

// SetProxy configures proxy settings for the transport.
func (t *HTTPTransport) SetProxy(proxyURL, noProxy string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if proxyURL == "" {
		t.proxyConf = nil
		return
	}
	t.proxyConf = &ProxyConfig{URL: proxyURL, NoProxy: noProxy}
}

// SetTimeout sets a per-request wall-clock limit. Zero means none.
func (t *HTTPTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

func (t *HTTPTransport) Request(opts *RequestOptions, onResponse func(*Response)) (Connection, error) {
	if onResponse == nil {
		return nil, fmt.Errorf("response callback is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &httpConn{
		transport:  t,
		opts:       opts,
		onResponse: onResponse,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

type httpConn struct {
	transport  *HTTPTransport
	opts       *RequestOptions
	onResponse func(*Response)
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	body    bytes.Buffer
	errFns  []func(error)
	started bool
}

func (c *httpConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("request already ended")
	}
	c.body.Write(p)
	return nil
}

func (c *httpConn) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errFns = append(c.errFns, fn)
}

func (c *httpConn) Abort() {
	c.cancel()
}

func (c *httpConn) End() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("request already ended")
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
	return nil
}

// run performs the exchange and delivers all callbacks from this one
// goroutine, which is what guarantees the sequential-delivery contract.
func (c *httpConn) run() {
	defer c.cancel()

	rt, err := c.transport.roundTripper(c.opts)
	if err != nil {
		c.fail(err)
		return
	}

	c.transport.mu.Lock()
	timeout := c.transport.timeout
	c.transport.mu.Unlock()

	client := &http.Client{
		Transport: rt,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var body io.Reader
	if c.body.Len() > 0 {
		body = bytes.NewReader(c.body.Bytes())
	}
	req, err := http.NewRequestWithContext(c.ctx, c.opts.Method, c.opts.URL(), body)
	if err != nil {
		c.fail(err)
		return
	}
	for name, value := range c.opts.Headers {
		switch strings.ToLower(name) {
		case "host":
			req.Host = value
		case "content-length":
			// framing is computed from the buffered body
		default:
			req.Header.Set(name, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		c.fail(err)
		return
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	tr := &Response{StatusCode: resp.StatusCode, Headers: headers}
	c.onResponse(tr)

	buf := make([]byte, 8192)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 && tr.OnData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			tr.OnData(chunk)
		}
		if err == io.EOF {
			if tr.OnEnd != nil {
				tr.OnEnd()
			}
			return
		}
		if err != nil {
			if tr.OnError != nil {
				tr.OnError(err)
			} else {
				c.fail(err)
			}
			return
		}
	}
}

func (c *httpConn) fail(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.errFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// roundTripper builds an http.Transport for one request, applying TLS
// overrides and the effective proxy (per-request overrides transport-level).
func (t *HTTPTransport) roundTripper(opts *RequestOptions) (http.RoundTripper, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if opts.TLS != nil {
		cfg, err := opts.TLS.Build()
		if err != nil {
			return nil, fmt.Errorf("configuring TLS: %w", err)
		}
		transport.TLSClientConfig = cfg
	}

	t.mu.Lock()
	proxyURL := opts.ProxyURL
	noProxy := ""
	if proxyURL == "" && t.proxyConf != nil {
		proxyURL = t.proxyConf.URL
		noProxy = t.proxyConf.NoProxy
	}
	t.mu.Unlock()

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL: %w", err)
		}

		switch parsed.Scheme {
		case "socks5", "socks5h":
			var auth *proxy.Auth
			if parsed.User != nil {
				password, _ := parsed.User.Password()
				auth = &proxy.Auth{
					User:     parsed.User.Username(),
					Password: password,
				}
			}
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("creating SOCKS5 dialer: %w", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		case "http", "https":
			if noProxy != "" {
				noProxyHosts := parseNoProxy(noProxy)
				transport.Proxy = func(r *http.Request) (*url.URL, error) {
					if shouldBypassProxy(r.URL.Hostname(), noProxyHosts) {
						return nil, nil
					}
					return parsed, nil
				}
			} else {
				transport.Proxy = http.ProxyURL(parsed)
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
		}
	}

	return transport, nil
}

// parseNoProxy splits a comma-separated no-proxy string into trimmed host
// entries.
func parseNoProxy(noProxy string) []string {
	parts := strings.Split(noProxy, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			hosts = append(hosts, strings.ToLower(p))
		}
	}
	return hosts
}

// shouldBypassProxy checks whether a host should bypass the proxy.
func shouldBypassProxy(host string, noProxyHosts []string) bool {
	host = strings.ToLower(host)
	for _, h := range noProxyHosts {
		if h == host {
			return true
		}
		// Support wildcard suffix matching (e.g., .example.com)
		if strings.HasPrefix(h, ".") && strings.HasSuffix(host, h) {
			return true
		}
	}
	return false
}
