// Package authgate protects the relay's own HTTP surface with a shared-secret
// bearer check, the inbound half of the credential story (outbound injection
// is the forwarder's job).
package authgate

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/tokenrelay/relay/internal/config"
	"github.com/tokenrelay/relay/internal/relayerrors"
)

// AuthHeader is the header clients present their relay credential in.
const AuthHeader = "TOKEN-RELAY-AUTH"

// DefaultBypassPaths lists the relay's own endpoints that never require the
// shared-secret header, so health probes work before an operator is around
// to hand out a token.
var DefaultBypassPaths = []string{"/health", "/health/live", "/health/ready"}

// Gate wraps an http.Handler with a TOKEN-RELAY-AUTH check against the
// current config snapshot's auth.tokens list.
type Gate struct {
	store  *config.Store
	next   http.Handler
	bypass map[string]struct{}
	now    func() time.Time
}

// New builds a Gate. bypassPaths lists exact request paths that skip the
// check entirely.
func New(store *config.Store, next http.Handler, bypassPaths ...string) *Gate {
	b := make(map[string]struct{}, len(bypassPaths))
	for _, p := range bypassPaths {
		b[p] = struct{}{}
	}
	return &Gate{store: store, next: next, bypass: b, now: time.Now}
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.bypass[r.URL.Path]; ok {
		g.next.ServeHTTP(w, r)
		return
	}

	presented := r.Header.Get(AuthHeader)
	if presented == "" {
		relayerrors.WriteJSON(w, relayerrors.Auth("relay authentication required"), g.now())
		return
	}

	for _, t := range g.store.Load().Auth.Tokens {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(t)) == 1 {
			g.next.ServeHTTP(w, r)
			return
		}
	}
	relayerrors.WriteJSON(w, relayerrors.Auth("invalid relay credential"), g.now())
}
