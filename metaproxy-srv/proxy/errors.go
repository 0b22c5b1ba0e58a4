package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and its registered description
func NewProxyError(code string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: GetErrorDescription(code),
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeInvalidAddress        = "E2006"
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"

	// TLS Errors (E3000-E3999)
	ErrCodeTLSUpstreamFailed = "E3007"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPUpgradeFailed       = "E4011"
	ErrCodeUpstreamUnreachable     = "E4012"
	ErrCodeMalformedUpstreamResp   = "E4013"
	ErrCodeRequestHeaderTooLarge   = "E4014"
	ErrCodeMissingTargetHost       = "E4015"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5ConnectFailed    = "E6002"
	ErrCodeCONNECTRequestFailed   = "E6005"
	ErrCodeCONNECTResponseFailed  = "E6006"
	ErrCodeProxyAuthFailed        = "E6007"
	ErrCodeProxyDenied            = "E6008"
	ErrCodeNoUpstream             = "E6010"
	ErrCodeInvalidCascadeUpstream = "E6011"

	// Access Control Errors (E7000-E7999)
	ErrCodeBlocklistMatch = "E7002"

	// Resource and Limit Errors (E9000-E9999)
	ErrCodeTimeoutExceeded  = "E9003"
	ErrCodeRelayIdleTimeout = "E9007"

	// Internal Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream proxy",

	ErrCodeTLSUpstreamFailed: "TLS handshake with upstream proxy failed",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPUpgradeFailed:       "HTTP protocol upgrade failed",
	ErrCodeUpstreamUnreachable:     "Upstream server is unreachable",
	ErrCodeMalformedUpstreamResp:   "Upstream returned a malformed response",
	ErrCodeRequestHeaderTooLarge:   "Request header block too large",
	ErrCodeMissingTargetHost:       "Request does not name a target host",

	ErrCodeSOCKS5ConnectFailed:    "SOCKS5 connection failed",
	ErrCodeCONNECTRequestFailed:   "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed:  "Malformed CONNECT response from upstream proxy",
	ErrCodeProxyAuthFailed:        "Upstream proxy authentication failed",
	ErrCodeProxyDenied:            "Upstream proxy refused the CONNECT request",
	ErrCodeNoUpstream:             "No upstream configured and direct connections are not permitted",
	ErrCodeInvalidCascadeUpstream: "Invalid cascading upstream header",

	ErrCodeBlocklistMatch: "Host matches blocklist entry",

	ErrCodeTimeoutExceeded:  "Operation timeout exceeded",
	ErrCodeRelayIdleTimeout: "Tunnel idle timeout exceeded",

	ErrCodeInternalError: "Internal proxy error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode extracts the proxy error code from err, or returns fallback.
func ErrorCode(err error, fallback string) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	var tunnelErr *TunnelError
	if errors.As(err, &tunnelErr) {
		return tunnelErr.Code
	}
	var forwardErr *ForwardError
	if errors.As(err, &forwardErr) {
		return forwardErr.Code
	}
	return fallback
}

// TunnelPhase names the state a tunnel failed in.
type TunnelPhase string

const (
	PhaseConnecting  TunnelPhase = "connecting"
	PhaseHandshaking TunnelPhase = "handshaking"
	PhaseRelaying    TunnelPhase = "relaying"
)

// TunnelErrorKind classifies tunnel failures.
type TunnelErrorKind int

const (
	ConnectFailed TunnelErrorKind = iota
	HandshakeRejected
	HandshakeMalformed
	RelayTimeout
	RelayIoError
)

func (k TunnelErrorKind) String() string {
	switch k {
	case ConnectFailed:
		return "ConnectFailed"
	case HandshakeRejected:
		return "HandshakeRejected"
	case HandshakeMalformed:
		return "HandshakeMalformed"
	case RelayTimeout:
		return "RelayTimeout"
	case RelayIoError:
		return "RelayIoError"
	default:
		return "Unknown"
	}
}

// TunnelError is the failure of one CONNECT tunnel.
type TunnelError struct {
	Phase TunnelPhase
	Kind  TunnelErrorKind
	Code  string
	// UpstreamStatus is the status the upstream proxy answered with, set for
	// HandshakeRejected over HTTP.
	UpstreamStatus int
	// Timeout is set when ConnectFailed was caused by the connect timeout.
	Timeout bool
	Cause   error
}

func (e *TunnelError) Error() string {
	msg := fmt.Sprintf("tunnel %s failed (%s, %s)", e.Phase, e.Kind, e.Code)
	if e.UpstreamStatus != 0 {
		msg += fmt.Sprintf(": upstream status %d", e.UpstreamStatus)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TunnelError) Unwrap() error {
	return e.Cause
}

// Status is the response status sent to the client before relaying starts.
func (e *TunnelError) Status() int {
	if e.Kind == ConnectFailed && e.Timeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// ForwardErrorKind classifies forwarding failures.
type ForwardErrorKind int

const (
	UpstreamUnreachable ForwardErrorKind = iota
	UpstreamTimeout
	MalformedUpstreamResponse
)

func (k ForwardErrorKind) String() string {
	switch k {
	case UpstreamUnreachable:
		return "UpstreamUnreachable"
	case UpstreamTimeout:
		return "UpstreamTimeout"
	case MalformedUpstreamResponse:
		return "MalformedUpstreamResponse"
	default:
		return "Unknown"
	}
}

// ForwardError is the failure of one forwarded HTTP request.
type ForwardError struct {
	Kind  ForwardErrorKind
	Code  string
	Cause error
}

func (e *ForwardError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("forward failed (%s, %s): %v", e.Kind, e.Code, e.Cause)
	}
	return fmt.Sprintf("forward failed (%s, %s)", e.Kind, e.Code)
}

func (e *ForwardError) Unwrap() error {
	return e.Cause
}

// Status is the gateway status sent to the client.
func (e *ForwardError) Status() int {
	if e.Kind == UpstreamTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// NewErrorResponse creates an error response with an HTML body naming the
// error code and its description. The code is also sent as X-Proxy-Error.
// The response always closes the connection.
func NewErrorResponse(status int, errorCode string) *http.Response {
	description := GetErrorDescription(errorCode)
	title := strconv.Itoa(status) + " " + http.StatusText(status)
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
</head>
<body>
    <h1>%s</h1>
    <p>The proxy could not fulfill the request.</p>
    <p><b>Error Code:</b> %s</p>
    <p><b>Description:</b> %s</p>
</body>
</html>
`, title, title, errorCode, description)

	bodyBytes := []byte(htmlBody)

	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        title,
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
		Close:         true,
	}
}

// writeErrorResponse writes an error page to a raw client connection.
// extra headers are added on top of the defaults.
func writeErrorResponse(w io.Writer, status int, errorCode string, extra http.Header) error {
	resp := NewErrorResponse(status, errorCode)
	defer resp.Body.Close()
	for key, values := range extra {
		for _, value := range values {
			resp.Header.Add(key, value)
		}
	}
	return resp.Write(w)
}
