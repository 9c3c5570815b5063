package config

import (
	"context"
	"fmt"
	"os"

	vaultapi "github.com/hashicorp/vault/api"
)

// MasterKeySource supplies the AES key used to decrypt "ENC:"-wrapped config
// values. Implementations are resolved once at load time; none hold a
// per-request connection.
type MasterKeySource interface {
	Key(ctx context.Context) ([]byte, error)
}

// EnvKeySource reads the master key from an environment variable. It is the
// default source and requires no external dependency.
type EnvKeySource struct {
	EnvVar string
}

func NewEnvKeySource() *EnvKeySource {
	return &EnvKeySource{EnvVar: "TOKENRELAY_ENCRYPTION_KEY"}
}

func (s *EnvKeySource) Key(_ context.Context) ([]byte, error) {
	v := os.Getenv(s.EnvVar)
	if v == "" {
		return nil, fmt.Errorf("env key source: %s is not set", s.EnvVar)
	}
	return []byte(v), nil
}

// VaultKeySource reads the master key from a HashiCorp Vault KV v2 secret.
// It resolves the key once and caches it for the process lifetime — config
// reloads reuse the cached key rather than reopening a Vault session.
type VaultKeySource struct {
	client     *vaultapi.Client
	mountPath  string
	secretPath string
	field      string

	cached []byte
}

// NewVaultKeySource builds a VaultKeySource from a pre-configured Vault API
// client. mountPath is the KV v2 mount (e.g. "secret"), secretPath is the
// path within that mount, and field is the key within the secret's data map
// holding the AES key material.
func NewVaultKeySource(client *vaultapi.Client, mountPath, secretPath, field string) *VaultKeySource {
	return &VaultKeySource{client: client, mountPath: mountPath, secretPath: secretPath, field: field}
}

func (s *VaultKeySource) Key(ctx context.Context) ([]byte, error) {
	if s.cached != nil {
		return s.cached, nil
	}

	secret, err := s.client.KVv2(s.mountPath).Get(ctx, s.secretPath)
	if err != nil {
		return nil, fmt.Errorf("vault key source: read %s/%s: %w", s.mountPath, s.secretPath, err)
	}
	raw, ok := secret.Data[s.field]
	if !ok {
		return nil, fmt.Errorf("vault key source: field %q not present in secret", s.field)
	}
	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("vault key source: field %q is not a string", s.field)
	}

	s.cached = []byte(str)
	return s.cached, nil
}
