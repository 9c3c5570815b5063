// Package forwarder implements the relay's per-request state machine: target
// resolution, credential injection, variable resolution, and streaming the
// outbound response back to the caller — in both direct and chain modes.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokenrelay/relay/internal/config"
	"github.com/tokenrelay/relay/internal/httpclient"
	"github.com/tokenrelay/relay/internal/oauth1"
	"github.com/tokenrelay/relay/internal/oauth2cache"
	"github.com/tokenrelay/relay/internal/relayerrors"
	"github.com/tokenrelay/relay/internal/resolver"
)

// TargetHeader names the target a request should be forwarded to.
const TargetHeader = "TOKEN-RELAY-TARGET"

// AuthHeader is the relay's own shared-secret header, re-exported here so
// the forwarder can strip and (in chain mode) replace it without importing
// the authgate package.
const AuthHeader = "TOKEN-RELAY-AUTH"

// smallBodyThreshold is the ~50 MiB ceiling under which a body of known
// length is buffered, permitting retry-less re-send and placeholder
// resolution. A body of unknown length is streamed.
const smallBodyThreshold = 50 * 1024 * 1024

// hopByHopHeaders must never be forwarded; their semantics are confined to a
// single transport hop.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "TE", "Trailers", "Transfer-Encoding", "Upgrade", "Host",
}

// Hooks receives per-request telemetry events.
type Hooks interface {
	RequestForwarded(target string, status int, duration time.Duration)
	RequestFailed(target string, reason string)
}

type noopHooks struct{}

func (noopHooks) RequestForwarded(string, int, time.Duration) {}
func (noopHooks) RequestFailed(string, string)                {}

// Forwarder is the relay's credential-injection and forwarding engine.
type Forwarder struct {
	store *config.Store
	pool  *httpclient.Pool
	cache *oauth2cache.Cache
	hooks Hooks
}

// New builds a Forwarder.
func New(store *config.Store, pool *httpclient.Pool, cache *oauth2cache.Cache, hooks Hooks) *Forwarder {
	if hooks == nil {
		hooks = noopHooks{}
	}
	return &Forwarder{store: store, pool: pool, cache: cache, hooks: hooks}
}

// ServeHTTP dispatches to direct or chain mode per the current config
// snapshot. The caller is expected to have stripped any routing prefix
// (e.g. "/proxy") from r.URL.Path before invoking the forwarder.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := f.store.Load()
	start := time.Now()
	targetName := r.Header.Get(TargetHeader)

	var status int
	var err error
	if cfg.Mode == config.ModeChain {
		status, err = f.forwardChain(w, r, cfg)
	} else {
		status, err = f.forwardDirect(w, r, cfg)
	}

	if err != nil {
		f.hooks.RequestFailed(targetName, kindOf(err))
		relayerrors.WriteJSON(w, err, time.Now().UTC())
		return
	}
	f.hooks.RequestForwarded(targetName, status, time.Since(start))
}

func kindOf(err error) string {
	var re *relayerrors.RelayError
	if errors.As(err, &re) {
		return string(re.Kind)
	}
	return "internal"
}

func (f *Forwarder) forwardDirect(w http.ResponseWriter, r *http.Request, cfg *config.RelayConfig) (int, error) {
	name := r.Header.Get(TargetHeader)
	if name == "" {
		return 0, relayerrors.Target(http.StatusBadRequest, "TOKEN-RELAY-TARGET header is required")
	}
	target, ok := cfg.Target(name)
	if !ok {
		return 0, relayerrors.Target(http.StatusNotFound, "unknown target: "+name)
	}
	if !target.Enabled {
		return 0, relayerrors.Target(http.StatusNotFound, "target is disabled: "+name)
	}

	outboundURL, err := buildOutboundURL(target.Endpoint, r.URL.Path, r.URL.RawQuery, target.Variables)
	if err != nil {
		return 0, err
	}

	body, contentType, err := f.prepareBody(r, target)
	if err != nil {
		return 0, err
	}

	timeout := time.Duration(cfg.RequestTimeout(target)) * time.Second
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outboundURL, body.reader())
	if err != nil {
		return 0, relayerrors.Internal(err)
	}
	copyForwardableHeaders(r.Header, outReq.Header)

	if err := f.injectCredentials(ctx, &target, name, outReq, outboundURL, body, contentType); err != nil {
		return 0, err
	}

	return f.dispatch(w, outReq, target)
}

func (f *Forwarder) forwardChain(w http.ResponseWriter, r *http.Request, cfg *config.RelayConfig) (int, error) {
	chainTarget := cfg.Chain.Target
	if chainTarget.Endpoint == "" {
		return 0, relayerrors.Target(http.StatusInternalServerError, "chain target is not configured")
	}

	outboundURL, err := url.JoinPath(chainTarget.Endpoint, r.URL.Path)
	if err != nil {
		return 0, relayerrors.Internal(err)
	}
	if r.URL.RawQuery != "" {
		outboundURL += "?" + r.URL.RawQuery
	}

	body, _, err := f.prepareBody(r, chainTarget)
	if err != nil {
		return 0, err
	}

	timeout := time.Duration(cfg.RequestTimeout(chainTarget)) * time.Second
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outboundURL, body.reader())
	if err != nil {
		return 0, relayerrors.Internal(err)
	}
	copyForwardableHeaders(r.Header, outReq.Header)
	if name := r.Header.Get(TargetHeader); name != "" {
		outReq.Header.Set(TargetHeader, name)
	}
	outReq.Header.Set(AuthHeader, chainTarget.Token)

	return f.dispatch(w, outReq, chainTarget)
}

func (f *Forwarder) dispatch(w http.ResponseWriter, outReq *http.Request, target config.TargetSpec) (int, error) {
	client := f.pool.Client(target.IgnoreCertificateValidation)
	resp, err := client.Do(outReq)
	if err != nil {
		if ctxErr := outReq.Context().Err(); ctxErr == context.DeadlineExceeded {
			return 0, relayerrors.UpstreamTimeout(err)
		}
		return 0, relayerrors.UpstreamTransport(err)
	}
	defer resp.Body.Close()

	copyResponseHeaders(resp.Header, w.Header())
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return resp.StatusCode, nil
}

// preparedBody holds either a buffered body (with resolved placeholders) or
// a direct pass-through reader for the stream path.
type preparedBody struct {
	buffered []byte
	stream   io.ReadCloser
}

func (b preparedBody) reader() io.Reader {
	if b.stream != nil {
		return b.stream
	}
	return bytes.NewReader(b.buffered)
}

func (f *Forwarder) prepareBody(r *http.Request, target config.TargetSpec) (preparedBody, string, error) {
	contentType := r.Header.Get("Content-Type")
	needsParams := target.AuthType == config.AuthOAuth1 && isFormEncoded(contentType)
	smallEnough := r.ContentLength >= 0 && r.ContentLength < smallBodyThreshold

	if !needsParams && !smallEnough {
		return preparedBody{stream: r.Body}, contentType, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, smallBodyThreshold+1))
	if err != nil {
		return preparedBody{}, "", relayerrors.Internal(err)
	}
	resolved := resolver.ResolveBody(raw, target.Variables)
	return preparedBody{buffered: resolved}, contentType, nil
}

func isFormEncoded(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "application/x-www-form-urlencoded")
}

func buildOutboundURL(endpoint, path, rawQuery string, variables map[string]string) (string, error) {
	resolvedQuery, err := resolver.ResolveQuery(rawQuery, variables)
	if err != nil {
		return "", err
	}
	joined, err := url.JoinPath(endpoint, path)
	if err != nil {
		return "", relayerrors.Internal(err)
	}
	if resolvedQuery != "" {
		joined += "?" + resolvedQuery
	}
	return joined, nil
}

func copyForwardableHeaders(src, dst http.Header) {
	for name, values := range src {
		if isHopByHop(name) || strings.EqualFold(name, AuthHeader) || strings.EqualFold(name, TargetHeader) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func copyResponseHeaders(src, dst http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	if strings.HasPrefix(strings.ToLower(name), "proxy-") {
		return true
	}
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func (f *Forwarder) injectCredentials(ctx context.Context, target *config.TargetSpec, targetName string, outReq *http.Request, outboundURL string, body preparedBody, contentType string) error {
	switch target.AuthType {
	case config.AuthOAuth2:
		client := f.pool.Client(target.IgnoreCertificateValidation)
		tok, err := f.cache.Acquire(ctx, targetName, *target, client)
		if err != nil {
			return err
		}
		outReq.Header.Set("Authorization", tok.TokenType+" "+tok.AccessToken)
		return nil

	case config.AuthOAuth1:
		creds := oauth1.Credentials{
			ConsumerKey:     target.AuthData["consumer_key"],
			ConsumerSecret:  target.AuthData["consumer_secret"],
			Token:           target.AuthData["token"],
			TokenSecret:     target.AuthData["token_secret"],
			Realm:           target.AuthData["realm"],
			SignatureMethod: oauth1.SignatureMethod(target.AuthData["signature_method"]),
		}
		if creds.SignatureMethod == "" {
			creds.SignatureMethod = oauth1.HMACSHA1
		}
		nonce, err := oauth1.GenerateNonce()
		if err != nil {
			return relayerrors.Credential("failed to generate oauth1 nonce", err)
		}

		oreq := oauth1.Request{Method: outReq.Method, URL: outboundURL}
		if isFormEncoded(contentType) && body.buffered != nil {
			formParams, err := url.ParseQuery(string(body.buffered))
			if err != nil {
				return relayerrors.Credential("invalid form-encoded body for oauth1 signing", err)
			}
			for name, values := range formParams {
				for _, v := range values {
					oreq.BodyParams = append(oreq.BodyParams, oauth1.Param{Name: name, Value: v})
				}
			}
		}

		header, err := oauth1.Sign(oreq, creds, nonce, time.Now().UTC())
		if err != nil {
			return relayerrors.Credential("oauth1 signing failed", err)
		}
		outReq.Header.Set("Authorization", header)
		return nil

	default:
		for k, v := range target.Headers {
			outReq.Header.Set(k, v)
		}
		return nil
	}
}
