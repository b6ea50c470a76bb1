// Package resilience provides the shared upstream HTTP transport, circuit
// breaker, and failsafe policies for calls to Dify endpoints.
package resilience

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// TransportConfig holds HTTP transport settings tuned for long-lived SSE
// streams against conversational-AI backends.
var TransportConfig = struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	H2ReadIdleTimeout     time.Duration
	H2PingTimeout         time.Duration
}{
	MaxIdleConns:        256,
	MaxIdleConnsPerHost: 32,

	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	// Dify apps can think for a while before the first byte arrives.
	ResponseHeaderTimeout: 300 * time.Second,
	DialTimeout:           30 * time.Second,
	KeepAlive:             30 * time.Second,

	// HTTP/2 pings keep streaming connections from silently dying.
	H2ReadIdleTimeout: 30 * time.Second,
	H2PingTimeout:     15 * time.Second,
}

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// SharedTransport returns the singleton transport used by every Dify client.
// Connection pooling is shared across models pointing at the same host.
func SharedTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		dialer := &net.Dialer{
			Timeout:   TransportConfig.DialTimeout,
			KeepAlive: TransportConfig.KeepAlive,
		}
		sharedTransport = &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          TransportConfig.MaxIdleConns,
			MaxIdleConnsPerHost:   TransportConfig.MaxIdleConnsPerHost,
			IdleConnTimeout:       TransportConfig.IdleConnTimeout,
			TLSHandshakeTimeout:   TransportConfig.TLSHandshakeTimeout,
			ExpectContinueTimeout: TransportConfig.ExpectContinueTimeout,
			ResponseHeaderTimeout: TransportConfig.ResponseHeaderTimeout,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
			ForceAttemptHTTP2:     true,
			// We decode gzip/br ourselves so streaming bodies pass through
			// without double buffering.
			DisableCompression: true,
		}
		if h2, err := http2.ConfigureTransports(sharedTransport); err == nil {
			h2.ReadIdleTimeout = TransportConfig.H2ReadIdleTimeout
			h2.PingTimeout = TransportConfig.H2PingTimeout
		}
	})
	return sharedTransport
}
