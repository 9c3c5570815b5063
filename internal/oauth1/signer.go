// Package oauth1 implements RFC 5849 §3 request signing: the pure function
// from method, URL, parameters, and credentials to the Authorization header
// a signed request carries.
package oauth1

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignatureMethod selects the HMAC hash used to compute the signature.
type SignatureMethod string

const (
	HMACSHA1   SignatureMethod = "HMAC-SHA1"
	HMACSHA256 SignatureMethod = "HMAC-SHA256"
)

// Credentials are the four OAuth 1.0 secrets plus an optional realm used to
// sign a single request.
type Credentials struct {
	ConsumerKey     string
	ConsumerSecret  string
	Token           string
	TokenSecret     string
	Realm           string
	SignatureMethod SignatureMethod
}

// Param is a single name/value pair participating in the signature base
// string — a query parameter, a form body parameter, or an oauth_* protocol
// parameter.
type Param struct {
	Name  string
	Value string
}

// Request describes the outbound call being signed. Query parameters are
// taken from URL directly, matching RFC 5849 step 2's "parameters in U";
// BodyParams is populated by the caller only when the request's Content-Type
// is application/x-www-form-urlencoded.
type Request struct {
	Method     string
	URL        string
	BodyParams []Param
}

// Sign computes the Authorization header value for req under creds, using
// nonce and timestamp supplied by the caller so the result is reproducible
// in tests. Production callers use GenerateNonce and time.Now().
func Sign(req Request, creds Credentials, nonce string, timestamp time.Time) (string, error) {
	method := strings.ToUpper(req.Method)

	baseURI, err := baseStringURI(req.URL)
	if err != nil {
		return "", fmt.Errorf("oauth1: %w", err)
	}
	queryParams, err := queryParamsOf(req.URL)
	if err != nil {
		return "", fmt.Errorf("oauth1: %w", err)
	}

	oauthParams := []Param{
		{"oauth_consumer_key", creds.ConsumerKey},
		{"oauth_token", creds.Token},
		{"oauth_signature_method", string(creds.SignatureMethod)},
		{"oauth_timestamp", strconv.FormatInt(timestamp.Unix(), 10)},
		{"oauth_nonce", nonce},
		{"oauth_version", "1.0"},
	}

	all := make([]Param, 0, len(queryParams)+len(req.BodyParams)+len(oauthParams))
	all = append(all, queryParams...)
	all = append(all, req.BodyParams...)
	all = append(all, oauthParams...)

	baseString := method + "&" + percentEncode(baseURI) + "&" + percentEncode(normalizeParams(all))

	signingKey := percentEncode(creds.ConsumerSecret) + "&" + percentEncode(creds.TokenSecret)
	signature, err := sign(creds.SignatureMethod, signingKey, baseString)
	if err != nil {
		return "", fmt.Errorf("oauth1: %w", err)
	}

	return buildHeader(creds, oauthParams, signature), nil
}

// baseStringURI implements RFC 5849 §3.4.1.2: scheme and host lowercased,
// default ports (80 for http, 443 for https) omitted, path kept as given.
func baseStringURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port != "" {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			port = ""
		}
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if port != "" {
		return fmt.Sprintf("%s://%s:%s%s", scheme, host, port, path), nil
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path), nil
}

// normalizeParams implements RFC 5849 §3.4.1.3.2: percent-encode each name
// and value, sort by encoded name then encoded value, join as name=value&…
func normalizeParams(params []Param) string {
	encoded := make([][2]string, len(params))
	for i, p := range params {
		encoded[i] = [2]string{percentEncode(p.Name), percentEncode(p.Value)}
	}
	sort.Slice(encoded, func(i, j int) bool {
		if encoded[i][0] != encoded[j][0] {
			return encoded[i][0] < encoded[j][0]
		}
		return encoded[i][1] < encoded[j][1]
	})
	pairs := make([]string, len(encoded))
	for i, e := range encoded {
		pairs[i] = e[0] + "=" + e[1]
	}
	return strings.Join(pairs, "&")
}

func sign(method SignatureMethod, key, baseString string) (string, error) {
	var mac []byte
	switch method {
	case HMACSHA1:
		h := hmac.New(sha1.New, []byte(key))
		h.Write([]byte(baseString))
		mac = h.Sum(nil)
	case HMACSHA256, "":
		h := hmac.New(sha256.New, []byte(key))
		h.Write([]byte(baseString))
		mac = h.Sum(nil)
	default:
		return "", fmt.Errorf("unsupported signature method %q", method)
	}
	return base64.StdEncoding.EncodeToString(mac), nil
}

func buildHeader(creds Credentials, oauthParams []Param, signature string) string {
	var b strings.Builder
	b.WriteString("OAuth ")
	if creds.Realm != "" {
		b.WriteString(fmt.Sprintf(`realm=%q, `, percentEncode(creds.Realm)))
	}
	// Preserve the §4.3.7 field order: consumer key, token, signature method,
	// timestamp, nonce, version, signature.
	order := []string{"oauth_consumer_key", "oauth_token", "oauth_signature_method", "oauth_timestamp", "oauth_nonce", "oauth_version"}
	byName := make(map[string]string, len(oauthParams))
	for _, p := range oauthParams {
		byName[p.Name] = p.Value
	}
	parts := make([]string, 0, len(order)+1)
	for _, name := range order {
		parts = append(parts, fmt.Sprintf(`%s=%q`, name, percentEncode(byName[name])))
	}
	parts = append(parts, fmt.Sprintf(`oauth_signature=%q`, percentEncode(signature)))
	b.WriteString(strings.Join(parts, ", "))
	return b.String()
}

// percentEncode implements RFC 3986 unreserved-set encoding: letters,
// digits, '-', '.', '_', '~' pass through; everything else becomes %XX with
// uppercase hex digits. url.QueryEscape diverges (it encodes spaces as '+'
// and leaves some characters RFC 3986 requires encoded), so this is a direct
// byte-wise implementation.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}

// GenerateNonce returns a fresh random nonce, unique per request as RFC 5849
// §3.3 requires. UUIDv4 gives 122 bits of randomness; the dashes are dropped
// since '-' is already in the unreserved set and stripping them just shortens
// the header.
func GenerateNonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("oauth1: generate nonce: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// queryParamsOf extracts the literal query parameters from a request URL.
// Placeholder resolution happens upstream of signing, so by the time a
// request reaches the signer its query string is already fully resolved.
func queryParamsOf(rawURL string) ([]Param, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	var params []Param
	for name, vs := range values {
		for _, v := range vs {
			params = append(params, Param{Name: name, Value: v})
		}
	}
	return params, nil
}
