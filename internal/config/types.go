// Package config holds the relay's declarative configuration: the immutable
// snapshot loaded at startup, its atomic-swap container, and the sources
// (file, env, Vault) that populate it.
package config

// AuthType selects how the forwarder injects outbound credentials for a target.
type AuthType string

const (
	AuthStatic AuthType = "static"
	AuthOAuth2 AuthType = "oauth"
	AuthOAuth1 AuthType = "oauth1"
)

// ProxyMode selects whether the relay injects credentials itself or forwards
// to a downstream relay that does.
type ProxyMode string

const (
	ModeDirect ProxyMode = "direct"
	ModeChain  ProxyMode = "chain"
)

// HealthCheckType selects how a target's liveness is probed.
type HealthCheckType string

const (
	HealthHTTPGet  HealthCheckType = "HttpGet"
	HealthHTTPPost HealthCheckType = "HttpPost"
	HealthTCP      HealthCheckType = "TcpConnect"
)

// HealthCheckSpec describes a single target's health probe.
type HealthCheckSpec struct {
	URL                 string          `json:"url"`
	Enabled             bool            `json:"enabled"`
	Type                HealthCheckType `json:"type"`
	Body                string          `json:"body,omitempty"`
	ContentType         string          `json:"contentType,omitempty"`
	ExpectedStatusCodes []int           `json:"expectedStatusCodes,omitempty"`
}

// Codes returns the configured expected status codes, defaulting to {200}.
func (h *HealthCheckSpec) Codes() []int {
	if len(h.ExpectedStatusCodes) == 0 {
		return []int{200}
	}
	return h.ExpectedStatusCodes
}

// TargetSpec is a single named outbound destination and its credential policy.
type TargetSpec struct {
	Endpoint    string            `json:"endpoint"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	AuthType    AuthType          `json:"authType"`
	AuthData    map[string]string `json:"authData,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`

	IgnoreCertificateValidation bool `json:"ignoreCertificateValidation,omitempty"`

	// Token is the bearer this relay authenticates to a downstream relay with,
	// used only when the owning RelayConfig is in chain mode and this spec is
	// config.chain.target.
	Token string `json:"token,omitempty"`

	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`

	HealthCheck *HealthCheckSpec `json:"healthCheck,omitempty"`
	// HealthCheckURL is a legacy plain-string health check target.
	// EffectiveHealthCheck converts it into a structured
	// HealthCheckSpec{Type: HttpGet} when HealthCheck is absent; HealthCheck
	// always wins when both are set.
	HealthCheckURL string `json:"healthCheckUrl,omitempty"`
}

// Permissions governs which runtime overrides an operator may trigger.
type Permissions struct {
	TargetConfig  bool `json:"targetConfig"`
	LogRead       bool `json:"logRead"`
	LogLevelChange bool `json:"logLevelChange"`
}

// AuthConfig holds the relay's own inbound-auth settings.
type AuthConfig struct {
	Tokens []string `json:"tokens"`
	// KeySource names where the AES master key used to decrypt "ENC:"
	// wrapped tokens comes from: "env" or "vault". The relay does not read
	// this field; cmd/relay picks the key source from the
	// TOKENRELAY_KEY_SOURCE environment variable.
	KeySource string `json:"keySource,omitempty"`
}

// RelayConfig is the process-wide, immutable configuration snapshot. A new
// RelayConfig is built on every reload and swapped in atomically by Store.
type RelayConfig struct {
	Auth           AuthConfig            `json:"auth"`
	Mode           ProxyMode             `json:"mode"`
	Chain          ChainConfig           `json:"chain,omitempty"`
	Targets        map[string]TargetSpec `json:"targets"`
	TimeoutSeconds int                   `json:"timeoutSeconds"`
	Permissions    Permissions           `json:"permissions"`
}

// ChainConfig holds the downstream relay target used when Mode == ModeChain.
type ChainConfig struct {
	Target TargetSpec `json:"target"`
}

// Target looks up a target by name. Lookup is O(1) and returns at most one
// TargetSpec, matching the data-model invariant.
func (c *RelayConfig) Target(name string) (TargetSpec, bool) {
	t, ok := c.Targets[name]
	return t, ok
}

// RequestTimeout returns the effective timeout for a target, falling back to
// the config-wide default.
func (c *RelayConfig) RequestTimeout(t TargetSpec) int {
	if t.TimeoutSeconds > 0 {
		return t.TimeoutSeconds
	}
	if c.TimeoutSeconds > 0 {
		return c.TimeoutSeconds
	}
	return 30
}

// EffectiveHealthCheck resolves the structured HealthCheck over the legacy
// HealthCheckURL string field, per the relay's documented precedence.
func (t *TargetSpec) EffectiveHealthCheck() *HealthCheckSpec {
	if t.HealthCheck != nil {
		return t.HealthCheck
	}
	if t.HealthCheckURL != "" {
		return &HealthCheckSpec{
			URL:     t.HealthCheckURL,
			Enabled: true,
			Type:    HealthHTTPGet,
		}
	}
	return nil
}
