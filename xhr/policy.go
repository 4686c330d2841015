package xhr

import "strings"

// forbiddenMethods may never be issued. Matching is case-sensitive: "trace"
// is allowed while "TRACE" is not, per the browser contract.
var forbiddenMethods = map[string]bool{
	"TRACE":   true,
	"TRACK":   true,
	"CONNECT": true,
}

// forbiddenHeaders are managed by the transport layer or security-sensitive
// and may not be set through SetRequestHeader unless the instance has header
// checking disabled. Matching is case-insensitive.
var forbiddenHeaders = map[string]bool{
	"accept-charset":                 true,
	"accept-encoding":                true,
	"access-control-request-headers": true,
	"access-control-request-method":  true,
	"connection":                     true,
	"content-length":                 true,
	"content-transfer-encoding":      true,
	"cookie":                         true,
	"cookie2":                        true,
	"date":                           true,
	"expect":                         true,
	"host":                           true,
	"keep-alive":                     true,
	"origin":                         true,
	"referer":                        true,
	"te":                             true,
	"trailer":                        true,
	"transfer-encoding":              true,
	"upgrade":                        true,
	"via":                            true,
}

func allowedMethod(method string) bool {
	return !forbiddenMethods[method]
}

func allowedHeader(name string) bool {
	return !forbiddenHeaders[strings.ToLower(name)]
}
