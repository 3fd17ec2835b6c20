// Package managers shares payment manager bundles between callers that talk
// to the same Cedros backend.
package managers

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	cedros "github.com/cedros-pay/cedros-go"
	"github.com/cedros-pay/cedros-go/mechanisms/svm"
)

// Config identifies a backend and the chain it settles on.
type Config struct {
	ServerURL       string         `mapstructure:"server_url" yaml:"server_url"`
	Network         cedros.Network `mapstructure:"network" yaml:"network"`
	SolanaRPCURL    string         `mapstructure:"solana_rpc_url" yaml:"solana_rpc_url,omitempty"`
	StripePublicKey string         `mapstructure:"stripe_public_key" yaml:"stripe_public_key,omitempty"`

	// Timeout bounds each backend request. Not part of the cache key.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

type cacheKey struct {
	ServerURL       string `json:"serverUrl"`
	Network         string `json:"network"`
	SolanaRPCURL    string `json:"solanaRpcUrl"`
	StripePublicKey string `json:"stripePublicKey"`
}

// CacheKey returns a deterministic key for the fields that select a bundle.
func (c Config) CacheKey() string {
	key, _ := json.Marshal(cacheKey{
		ServerURL:       strings.TrimRight(c.ServerURL, "/"),
		Network:         string(c.Network),
		SolanaRPCURL:    c.SolanaRPCURL,
		StripePublicKey: c.StripePublicKey,
	})
	return string(key)
}

// Validate checks that the config can build a bundle.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server url must be http or https: %s", c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("server url has no host: %s", c.ServerURL)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// RPCURL returns the configured Solana RPC endpoint, falling back to the
// network's public endpoint.
func (c Config) RPCURL() (string, error) {
	if c.SolanaRPCURL != "" {
		return c.SolanaRPCURL, nil
	}
	if c.Network == "" {
		return svm.DevnetRPCURL, nil
	}
	network, err := svm.GetNetworkConfig(c.Network)
	if err != nil {
		return "", err
	}
	return network.RPCURL, nil
}
