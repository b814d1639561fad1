package transport

import (
	"context"
	"crypto/tls"
	"net"

	utls "github.com/refraction-networking/utls"
)

// chromeTLS wraps a raw connection in a client hello matching current Chrome.
// The platform profiles client TLS stacks, so a default Go handshake stands
// out.
func chromeTLS(ctx context.Context, raw net.Conn, serverName string) (net.Conn, error) {
	conn := utls.UClient(raw, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// dialUTLS dials addr directly and negotiates the fingerprinted handshake.
func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	raw, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return chromeTLS(ctx, raw, hostOf(addr))
}

// hostOf strips the port for SNI purposes.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
