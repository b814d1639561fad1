// Package transport builds the HTTP clients used against the platform,
// with utls fingerprinting and optional proxying.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Manager builds HTTP clients from the process proxy configuration. The
// round tripper is shared; per-bot state lives in the cookie jar.
type Manager struct {
	proxy        *ProxyConfig
	timeout      time.Duration
	roundTripper http.RoundTripper
}

func NewManager(webProxy string, timeout time.Duration) (*Manager, error) {
	pcfg, err := ParseProxy(webProxy)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		proxy:   pcfg,
		timeout: timeout,
	}
	m.roundTripper = m.buildRoundTripper()
	return m, nil
}

// Client returns an HTTP client bound to the given cookie jar. A nil jar is
// fine for jarless callers such as the directory client.
func (m *Manager) Client(jar http.CookieJar) *http.Client {
	return &http.Client{
		Transport: m.roundTripper,
		Timeout:   m.timeout,
		Jar:       jar,
	}
}

func (m *Manager) buildRoundTripper() http.RoundTripper {
	if m.proxy != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      proxyDialer(m.proxy),
		}
	}
	// Direct connections speak h2 through utls; http2.Transport avoids the
	// *tls.Conn type assertion the stdlib transport performs on UConn.
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}

// Close releases pooled idle connections.
func (m *Manager) Close() {
	if t, ok := m.roundTripper.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}
