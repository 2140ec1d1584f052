package transport

import (
	"crypto/tls"
	"net/http"
	"time"
)

// newTLSTransport clones http.DefaultTransport and enforces TLS 1.2+,
// grounded on infrastructure/httputil/transport.go's
// DefaultTransportWithMinTLS12.
func newTLSTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	cloned := base.Clone()
	if cloned.TLSClientConfig != nil {
		cloned.TLSClientConfig = cloned.TLSClientConfig.Clone()
		if cloned.TLSClientConfig.MinVersion < tls.VersionTLS12 {
			cloned.TLSClientConfig.MinVersion = tls.VersionTLS12
		}
	} else {
		cloned.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cloned
}

// newHTTPClient builds a client with the given timeout on a TLS-hardened
// transport, grounded on infrastructure/chain/client.go's NewClient.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newTLSTransport(),
	}
}
