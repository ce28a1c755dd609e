package safety

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
)

// ErrBodyTooLarge is returned when a remote document exceeds its read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// ReadAllWithLimit reads r to EOF, failing once more than limit bytes arrive.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, errors.New("read limit must be positive")
	}
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, ErrBodyTooLarge
	}
	return buf.Bytes(), nil
}

// ParseBaseURL parses an http or https base URL for a remote catalog. A
// trailing slash is dropped; credentials, queries and fragments are refused.
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil {
		return nil, err
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, errors.New("scheme must be http or https")
	case u.Host == "":
		return nil, errors.New("host is missing")
	case u.User != nil:
		return nil, errors.New("credentials in the URL are not supported")
	case u.RawQuery != "" || u.Fragment != "":
		return nil, errors.New("a base URL takes no query or fragment")
	}
	return u, nil
}

// IsLoopbackHost reports whether u names this machine.
func IsLoopbackHost(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
