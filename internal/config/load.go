package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tokenrelay/relay/internal/cryptutil"
)

// rawFile mirrors the on-disk JSON shape described in spec §6: a top-level
// proxy block plus sibling blocks this relay treats as opaque (plugins,
// logging) because they belong to out-of-scope collaborators.
type rawFile struct {
	Proxy   RelayConfig     `json:"proxy"`
	Plugins json.RawMessage `json:"plugins,omitempty"`
	Logging json.RawMessage `json:"logging,omitempty"`
}

// LoadOptions configures how a RelayConfig is read and decrypted.
type LoadOptions struct {
	KeySource MasterKeySource
}

// LoadFromFile reads and parses a relay config file from disk, decrypting any
// "ENC:"-wrapped token fields using the configured key source.
func LoadFromFile(path string, opts LoadOptions) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return LoadFromJSON(data, opts)
}

// LoadFromJSON parses and validates a relay config from an in-memory JSON
// document — used both for file-backed loading and for
// TOKENRELAY_CONFIG_MODE=env, where the document comes from an environment
// variable instead of disk.
func LoadFromJSON(data []byte, opts LoadOptions) (*RelayConfig, error) {
	var file rawFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg := file.Proxy
	if err := decryptSecrets(&cfg, opts); err != nil {
		return nil, fmt.Errorf("decrypt config secrets: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// decryptSecrets resolves the master key (if any ENC: value is present) and
// decrypts in place the relay auth tokens and, for every target and the chain
// target, each header value, each authData value, and the bearer token.
func decryptSecrets(cfg *RelayConfig, opts LoadOptions) error {
	if !configHasEncryptedValues(cfg) {
		return nil
	}
	if opts.KeySource == nil {
		return fmt.Errorf("config contains ENC: values but no key source was configured")
	}
	key, err := opts.KeySource.Key(context.Background())
	if err != nil {
		return fmt.Errorf("resolve master key: %w", err)
	}
	cipher := cryptutil.NewTokenCipher(key)

	for i, tok := range cfg.Auth.Tokens {
		plain, err := cipher.Decrypt(tok)
		if err != nil {
			return fmt.Errorf("decrypt auth token %d: %w", i, err)
		}
		cfg.Auth.Tokens[i] = plain
	}

	for name, target := range cfg.Targets {
		if err := decryptTarget(&target, cipher); err != nil {
			return fmt.Errorf("decrypt target %q: %w", name, err)
		}
		cfg.Targets[name] = target
	}

	if err := decryptTarget(&cfg.Chain.Target, cipher); err != nil {
		return fmt.Errorf("decrypt chain target: %w", err)
	}
	return nil
}

func decryptTarget(t *TargetSpec, cipher *cryptutil.TokenCipher) error {
	for k, v := range t.Headers {
		plain, err := cipher.Decrypt(v)
		if err != nil {
			return fmt.Errorf("header %q: %w", k, err)
		}
		t.Headers[k] = plain
	}
	for k, v := range t.AuthData {
		plain, err := cipher.Decrypt(v)
		if err != nil {
			return fmt.Errorf("authData %q: %w", k, err)
		}
		t.AuthData[k] = plain
	}
	if t.Token != "" {
		plain, err := cipher.Decrypt(t.Token)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		t.Token = plain
	}
	return nil
}

func configHasEncryptedValues(cfg *RelayConfig) bool {
	for _, tok := range cfg.Auth.Tokens {
		if cryptutil.IsWrapped(tok) {
			return true
		}
	}
	for _, t := range cfg.Targets {
		if targetHasEncryptedValues(t) {
			return true
		}
	}
	return targetHasEncryptedValues(cfg.Chain.Target)
}

func targetHasEncryptedValues(t TargetSpec) bool {
	for _, v := range t.Headers {
		if cryptutil.IsWrapped(v) {
			return true
		}
	}
	for _, v := range t.AuthData {
		if cryptutil.IsWrapped(v) {
			return true
		}
	}
	return cryptutil.IsWrapped(t.Token)
}

// Validate checks structural invariants that must hold before a RelayConfig
// is accepted: in direct mode every enabled target has an endpoint and a known
// authType (an empty target map is accepted); in chain mode the chain target
// has an endpoint.
func Validate(cfg *RelayConfig) error {
	switch cfg.Mode {
	case ModeDirect, "":
		for name, t := range cfg.Targets {
			if err := validateTarget(name, t); err != nil {
				return err
			}
		}
	case ModeChain:
		if cfg.Chain.Target.Endpoint == "" {
			return fmt.Errorf("chain mode requires chain.target.endpoint")
		}
	default:
		return fmt.Errorf("unknown proxy mode %q", cfg.Mode)
	}
	return nil
}

func validateTarget(name string, t TargetSpec) error {
	if !t.Enabled {
		return nil
	}
	if t.Endpoint == "" {
		return fmt.Errorf("target %q: endpoint is required", name)
	}
	switch t.AuthType {
	case AuthStatic, AuthOAuth2, AuthOAuth1, "":
	default:
		return fmt.Errorf("target %q: unknown authType %q", name, t.AuthType)
	}
	return nil
}
