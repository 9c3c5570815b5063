package config

import (
	"context"
	"testing"

	"github.com/tokenrelay/relay/internal/cryptutil"
)

type fakeKeySource struct{ key []byte }

func (f fakeKeySource) Key(_ context.Context) ([]byte, error) { return f.key, nil }

func TestLoadFromJSONPlaintext(t *testing.T) {
	doc := []byte(`{
		"proxy": {
			"auth": {"tokens": ["abc123"]},
			"mode": "direct",
			"targets": {
				"billing": {"endpoint": "https://billing.internal", "enabled": true, "authType": "static"}
			}
		}
	}`)

	cfg, err := LoadFromJSON(doc, LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	target, ok := cfg.Target("billing")
	if !ok {
		t.Fatalf("expected target billing")
	}
	if target.Endpoint != "https://billing.internal" {
		t.Fatalf("unexpected endpoint %q", target.Endpoint)
	}
}

func TestLoadFromJSONDecryptsEncryptedTokens(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	cipher := cryptutil.NewTokenCipher(key)
	wrapped, err := cipher.Encrypt("s3cret")
	if err != nil {
		t.Fatalf("encrypt fixture: %v", err)
	}

	doc := []byte(`{
		"proxy": {
			"auth": {"tokens": ["` + wrapped + `"]},
			"mode": "direct",
			"targets": {}
		}
	}`)

	cfg, err := LoadFromJSON(doc, LoadOptions{KeySource: fakeKeySource{key: key}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Tokens[0] != "s3cret" {
		t.Fatalf("got %q, want decrypted token", cfg.Auth.Tokens[0])
	}
}

func TestLoadFromJSONMissingKeySourceErrors(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	wrapped, _ := cryptutil.NewTokenCipher(key).Encrypt("s3cret")

	doc := []byte(`{"proxy": {"auth": {"tokens": ["` + wrapped + `"]}, "targets": {}}}`)

	if _, err := LoadFromJSON(doc, LoadOptions{}); err == nil {
		t.Fatalf("expected error when config has ENC: values but no key source")
	}
}

func TestValidateRejectsMissingEndpoint(t *testing.T) {
	cfg := &RelayConfig{
		Mode: ModeDirect,
		Targets: map[string]TargetSpec{
			"bad": {Enabled: true},
		},
	}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for missing endpoint")
	}
}

func TestValidateChainRequiresTarget(t *testing.T) {
	cfg := &RelayConfig{Mode: ModeChain}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for chain mode with no target")
	}
}

func TestStoreSwapIsVisibleToLoad(t *testing.T) {
	first := &RelayConfig{Mode: ModeDirect}
	second := &RelayConfig{Mode: ModeChain}

	s := NewStore(first)
	if s.Load().Mode != ModeDirect {
		t.Fatalf("expected initial mode direct")
	}
	s.Swap(second)
	if s.Load().Mode != ModeChain {
		t.Fatalf("expected swapped mode chain")
	}
}
