// ABOUTME: Constructs the production HTTP client for index service calls.
// ABOUTME: Uses doyensec/safeurl scoped to the configured index host, with redirect following disabled.
package index

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/doyensec/safeurl"
)

func noRedirect(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

// BuildClient returns the *http.Client for index calls against indexURL.
// Redirects are never followed and timeout bounds a whole request.
//
// By default the client is an SSRF-safe safeurl client whose allowlist is
// the scheme, host and port of indexURL, so a non-standard port works while
// private and loopback addresses stay blocked. allowPrivate is for an index
// on a private network: safeurl's address filtering is dropped and the
// client only refuses redirects.
func BuildClient(indexURL string, timeout time.Duration, allowPrivate bool) (*http.Client, error) {
	if allowPrivate {
		return &http.Client{Timeout: timeout, CheckRedirect: noRedirect}, nil
	}

	b := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(noRedirect)
	if indexURL != "" {
		u, err := url.Parse(indexURL)
		if err != nil {
			return nil, fmt.Errorf("parse index url: %w", err)
		}
		port, err := effectivePort(u)
		if err != nil {
			return nil, err
		}
		host := u.Hostname()
		b = b.SetAllowedSchemes(u.Scheme).
			SetAllowedHosts(host).
			SetAllowedPorts(port)
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			b = b.EnableIPv6(true)
		}
	}
	return safeurl.Client(b.Build()).Client, nil
}

func effectivePort(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return 0, fmt.Errorf("index url %q: invalid port %q", u.Redacted(), p)
		}
		return n, nil
	}
	switch u.Scheme {
	case "http":
		return 80, nil
	case "https":
		return 443, nil
	default:
		return 0, fmt.Errorf("index url %q: scheme must be http or https", u.Redacted())
	}
}
