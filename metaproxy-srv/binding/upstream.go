package binding

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// ParseUpstream validates an upstream proxy URL. The empty string means a
// direct connection and yields a nil URL. A value without a scheme is read
// as an http proxy, so "10.0.0.1:3128" is accepted.
func ParseUpstream(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}

	u, err := url.Parse(candidate)
	if err != nil {
		// url.Error repeats the raw URL, password included
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, &InvalidUpstreamError{Upstream: raw, Err: err}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, &InvalidUpstreamError{Upstream: raw, Err: errors.New("unsupported scheme " + u.Scheme)}
	}

	if u.Hostname() == "" {
		return nil, &InvalidUpstreamError{Upstream: raw, Err: errors.New("missing host")}
	}
	if u.Path != "" && u.Path != "/" {
		return nil, &InvalidUpstreamError{Upstream: raw, Err: errors.New("path not allowed")}
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""

	return u, nil
}

// HostPort returns the dial address of an upstream, filling in the scheme's
// default port.
func HostPort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port)
	}
	var port string
	switch u.Scheme {
	case "https":
		port = "443"
	case "socks5", "socks5h":
		port = "1080"
	default:
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// Redacted renders an upstream for logs and API responses without its password.
func Redacted(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}

// redactRaw masks the password of an upstream that may not even parse.
func redactRaw(raw string) string {
	start := 0
	if i := strings.Index(raw, "://"); i >= 0 {
		start = i + len("://")
	}
	at := strings.LastIndex(raw[start:], "@")
	if at < 0 {
		return raw
	}
	userinfo := raw[start : start+at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return raw
	}
	return raw[:start+colon+1] + "xxxxx" + raw[start+at:]
}
