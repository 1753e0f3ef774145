package main

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"xdao.co/capres/keys"
)

// fileConfig is the on-disk TOML shape of a capresd config.
type fileConfig struct {
	Listen          string `toml:"listen"`
	AuditLog        string `toml:"audit_log"`
	ProviderSeedHex string `toml:"provider_seed_hex"`
	ProviderSigner  string `toml:"provider_signer"`
	ProviderSubject string `toml:"provider_subject"`
	IssuerKey       string `toml:"issuer_key"`

	Capabilities []capabilityConfig `toml:"capability"`
}

type capabilityConfig struct {
	Name      string `toml:"name"`
	Signature string `toml:"signature"`
	Handler   string `toml:"handler"`
}

// serviceConfig is the validated runtime form of fileConfig.
type serviceConfig struct {
	Listen       string
	AuditLog     string
	Provider     *keys.Keypair
	IssuerKey    ed25519.PublicKey
	Capabilities []capabilityConfig
}

func loadServiceConfig(path string) (serviceConfig, error) {
	var raw fileConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return serviceConfig{}, fmt.Errorf("load config: %w", err)
	}

	cfg := serviceConfig{
		Listen:       strings.TrimSpace(raw.Listen),
		AuditLog:     strings.TrimSpace(raw.AuditLog),
		Capabilities: raw.Capabilities,
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:7787"
	}

	provider, err := loadProviderKey(raw)
	if err != nil {
		return serviceConfig{}, err
	}
	cfg.Provider = provider

	issuer := strings.TrimSpace(raw.IssuerKey)
	if issuer == "" {
		return serviceConfig{}, fmt.Errorf("load config: issuer_key is required")
	}
	alg, pub, err := keys.ParseSignerKey(issuer)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load config: issuer_key: %w", err)
	}
	if alg != keys.AlgEd25519 {
		return serviceConfig{}, fmt.Errorf("load config: issuer_key must be %s, got %s", keys.AlgEd25519, alg)
	}
	cfg.IssuerKey = ed25519.PublicKey(pub)

	if len(cfg.Capabilities) == 0 {
		return serviceConfig{}, fmt.Errorf("load config: at least one [[capability]] is required")
	}
	for i, c := range cfg.Capabilities {
		if strings.TrimSpace(c.Name) == "" {
			return serviceConfig{}, fmt.Errorf("load config: capability %d: name is required", i)
		}
		if strings.TrimSpace(c.Signature) == "" {
			return serviceConfig{}, fmt.Errorf("load config: capability %q: signature is required", c.Name)
		}
		if _, ok := builtinHandlers[c.Handler]; !ok {
			return serviceConfig{}, fmt.Errorf("load config: capability %q: unknown handler %q", c.Name, c.Handler)
		}
	}
	return cfg, nil
}

func loadProviderKey(raw fileConfig) (*keys.Keypair, error) {
	seedHex := strings.TrimSpace(raw.ProviderSeedHex)
	signer := strings.TrimSpace(raw.ProviderSigner)
	switch {
	case seedHex != "" && signer != "":
		return nil, fmt.Errorf("load config: provider_seed_hex and provider_signer are mutually exclusive")
	case seedHex != "":
		seed, err := keys.ParseSeedHex(seedHex)
		if err != nil {
			return nil, fmt.Errorf("load config: provider_seed_hex: %w", err)
		}
		return keys.Ed25519FromSeed(seed)
	case signer != "":
		dir, err := keys.DefaultDirectory()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		ks, err := keys.OpenKeyStore(dir)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return ks.LoadKeypair(signer, strings.TrimSpace(raw.ProviderSubject))
	default:
		return nil, fmt.Errorf("load config: provider_seed_hex or provider_signer is required")
	}
}
