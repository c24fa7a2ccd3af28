// Package origin validates browser Origin headers for the websocket and HTTP
// surfaces. The default policy is same-host only; an explicit allowlist (or
// "*") widens it.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates an Origin header and returns it in canonical
// scheme://host[:port] form, plus the host[:port] part for same-host checks.
//
// The special value "null" (sandboxed documents, file://) is passed through.
func Normalize(header string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", "", false
	}

	var port uint64
	if raw := u.Port(); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
		port = n
	}
	// Default ports are equivalent to no port.
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may access requestHost.
//
// When allowed is non-empty, each entry is either "*" or a normalized origin.
// Otherwise the origin's host must equal the request's Host (default ports
// treated as equivalent).
func IsAllowed(normalized, host, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, entry := range allowed {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}
	if normalized == "null" {
		return false
	}
	return host != "" && host == normalizeRequestHost(requestHost)
}

func normalizeRequestHost(requestHost string) string {
	h := strings.ToLower(strings.TrimSpace(requestHost))
	hostname, port, err := net.SplitHostPort(h)
	if err != nil {
		return h
	}
	if port == "80" || port == "443" {
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]"
		}
		return hostname
	}
	return h
}
