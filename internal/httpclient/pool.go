// Package httpclient builds the two outbound client pools the forwarder
// selects between: one with default TLS verification, one that skips it for
// targets that opt in.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	connPoolTTL     = 5 * time.Minute
	idleConnTimeout = 2 * time.Minute
	maxConnsPerHost = 100
	maxRedirects    = 10
)

// Pool holds the two outbound clients the forwarder dispatches requests
// through, keyed by whether a target opted out of certificate validation.
type Pool struct {
	secure   *http.Client
	insecure *http.Client
}

// NewPool builds both outbound clients. Each request's timeout is applied
// per-call via context, not baked into the client, since targets configure
// their own timeoutSeconds.
func NewPool() *Pool {
	return &Pool{
		secure:   newClient(false),
		insecure: newClient(true),
	}
}

// Client returns the client for a target, selecting the insecure pool when
// the target opted out of certificate validation.
func (p *Pool) Client(ignoreCertificateValidation bool) *http.Client {
	if ignoreCertificateValidation {
		return p.insecure
	}
	return p.secure
}

func newClient(skipVerify bool) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     maxConnsPerHost,
		MaxIdleConnsPerHost: maxConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
	}
	if skipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit per-target opt-in
		transport.MaxConnsPerHost = maxConnsPerHost / 2
		transport.MaxIdleConnsPerHost = maxConnsPerHost / 2
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(&connLifetimeTransport{base: transport, ttl: connPoolTTL}),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// connLifetimeTransport forces idle connections to be rebuilt after ttl by
// periodically calling CloseIdleConnections, approximating a pooled
// connection's maximum lifetime since net/http has no native per-connection
// TTL knob.
type connLifetimeTransport struct {
	base *http.Transport
	ttl  time.Duration

	once sync.Once
}

func (t *connLifetimeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.once.Do(func() { go t.recycleLoop() })
	return t.base.RoundTrip(req)
}

func (t *connLifetimeTransport) recycleLoop() {
	ticker := time.NewTicker(t.ttl)
	defer ticker.Stop()
	for range ticker.C {
		t.base.CloseIdleConnections()
	}
}
