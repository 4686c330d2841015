package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/tidwall/pretty"

	"github.com/ebulut/goxhr/internal/config"
	"github.com/ebulut/goxhr/internal/history"
	"github.com/ebulut/goxhr/internal/logging"
	"github.com/ebulut/goxhr/jsenv"
	"github.com/ebulut/goxhr/xhr"
)

func runCmd() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	timeoutFlag := fs.Duration("timeout", 0, "Overall timeout for script and requests (default from config)")
	verboseFlag := fs.Bool("verbose", false, "Log each completed request with its response body")
	insecureFlag := fs.Bool("insecure", false, "Skip TLS certificate verification")
	proxyFlag := fs.String("proxy", "", "Proxy URL (http, https or socks5)")
	redirectsFlag := fs.Int("max-redirects", -1, "Maximum redirects to follow per request (default from config)")
	noHistoryFlag := fs.Bool("no-history", false, "Do not record requests in history")
	configFlag := fs.String("config", "", "Path to a config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: goxhr run <script.js> [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Execute a JavaScript file with the XMLHttpRequest global.\n")
		fmt.Fprintf(os.Stderr, "Pass '-' to read the script from stdin.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  goxhr run fetch.js\n")
		fmt.Fprintf(os.Stderr, "  goxhr run fetch.js --verbose --timeout 10s\n")
		fmt.Fprintf(os.Stderr, "  echo 'var x = new XMLHttpRequest(); ...' | goxhr run -\n")
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0  Script completed\n")
		fmt.Fprintf(os.Stderr, "  1  Script threw or timed out\n")
		fmt.Fprintf(os.Stderr, "  2  Invalid usage or setup error\n")
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: script path is required\n\n")
		fs.Usage()
		os.Exit(2)
	}

	script, err := readScript(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.Log, *verboseFlag)

	timeout := cfg.DefaultTimeout
	if *timeoutFlag > 0 {
		timeout = *timeoutFlag
	}
	maxRedirects := cfg.MaxRedirects
	if *redirectsFlag >= 0 {
		maxRedirects = *redirectsFlag
	}

	transport := xhr.NewHTTPTransport()
	proxyURL := cfg.Proxy
	if *proxyFlag != "" {
		proxyURL = *proxyFlag
	}
	transport.SetProxy(proxyURL, cfg.NoProxy)

	tlsOpts := &xhr.TLSOptions{
		CertFile:           cfg.TLS.CertFile,
		KeyFile:            cfg.TLS.KeyFile,
		Passphrase:         cfg.TLS.Passphrase,
		CAFile:             cfg.TLS.CAFile,
		CipherSuites:       cfg.TLS.CipherSuites,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify || *insecureFlag,
	}

	var store *history.Store
	if !*noHistoryFlag {
		path, err := cfg.HistoryDBPath()
		if err != nil {
			logger.Warn().Err(err).Msg("history disabled")
		} else if store, err = history.NewStore(path); err != nil {
			logger.Warn().Err(err).Msg("history disabled")
			store = nil
		}
	}
	if store != nil {
		defer store.Close()
	}

	engine := jsenv.NewEngine(timeout)
	engine.SetLogger(logger)
	engine.SetRequestFactory(func() *xhr.XMLHttpRequest {
		req := xhr.New()
		req.SetTransport(transport)
		req.SetLogger(logger)
		req.SetTLSOptions(tlsOpts)
		req.SetMaxRedirects(maxRedirects)
		req.SetUserAgent(cfg.UserAgent)
		attachRecorder(req, store, logger, *verboseFlag)
		return req
	})

	runErr := engine.Run(script)
	for _, line := range engine.Logs() {
		fmt.Fprint(os.Stdout, line)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

func readScript(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading script from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(data), nil
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load(), nil
}

// attachRecorder records each completed request to history and, in verbose
// mode, logs a summary with the response body. Listeners run sequentially
// per request, so the start time needs no locking.
func attachRecorder(req *xhr.XMLHttpRequest, store *history.Store, logger zerolog.Logger, verbose bool) {
	var start time.Time
	req.AddEventListener(xhr.EventLoadStart, func(xhr.Event) {
		start = time.Now()
	})

	record := func(errText string) {
		elapsed := time.Since(start)
		size := int64(len(req.ResponseText()))

		if store != nil {
			_, err := store.Add(history.Entry{
				Method:    req.RequestMethod(),
				URL:       req.RequestURL(),
				Status:    req.Status(),
				Size:      size,
				Duration:  elapsed,
				Redirects: req.RedirectCount(),
				Error:     errText,
			})
			if err != nil {
				logger.Warn().Err(err).Msg("recording history entry")
			}
		}

		if verbose {
			evt := logger.Info().
				Str("method", req.RequestMethod()).
				Str("url", req.RequestURL()).
				Int("status", req.Status()).
				Str("size", humanize.Bytes(uint64(size))).
				Dur("elapsed", elapsed.Round(time.Millisecond)).
				Int("redirects", req.RedirectCount())
			if errText != "" {
				evt.Str("error", errText)
			}
			evt.Msg("request completed")
			if body := formatBody(req); body != "" {
				fmt.Fprintln(os.Stderr, body)
			}
		}
	}

	req.AddEventListener(xhr.EventLoad, func(xhr.Event) { record("") })
	req.AddEventListener(xhr.EventError, func(xhr.Event) { record(req.StatusText()) })
}

func formatBody(req *xhr.XMLHttpRequest) string {
	body := req.ResponseText()
	if body == "" {
		return ""
	}
	if strings.Contains(req.GetResponseHeader("content-type"), "json") {
		return string(pretty.Color(pretty.Pretty([]byte(body)), nil))
	}
	return body
}
