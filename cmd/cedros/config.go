package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	cedroshttp "github.com/cedros-pay/cedros-go/http"
	"github.com/cedros-pay/cedros-go/managers"
)

// cliConfig is resolved from flags, CEDROS_* environment variables, an
// optional config file and defaults, in that order.
type cliConfig struct {
	managers.Config `mapstructure:",squash" yaml:",inline"`

	WalletKey string `mapstructure:"wallet_key" yaml:"-"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	Output    string `mapstructure:"output" yaml:"output"`
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"server":     "server_url",
	"network":    "network",
	"rpc-url":    "solana_rpc_url",
	"stripe-key": "stripe_public_key",
	"timeout":    "timeout",
	"wallet-key": "wallet_key",
	"log-level":  "log_level",
	"output":     "output",
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Config file (yaml)")
	flags.String("env-file", ".env", "Dotenv file loaded before reading the environment")
	flags.String("server", "", "Cedros backend URL")
	flags.String("network", "devnet", "Solana network")
	flags.String("rpc-url", "", "Solana RPC endpoint (defaults to the network's public endpoint)")
	flags.String("stripe-key", "", "Stripe publishable key")
	flags.Duration("timeout", cedroshttp.DefaultTimeout, "Per-request timeout")
	flags.String("wallet-key", "", "Base58 Solana private key used by pay")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringP("output", "o", "yaml", "Output format (yaml, json)")
}

func loadConfig(flags *pflag.FlagSet) (cliConfig, error) {
	envFile, _ := flags.GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cliConfig{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("CEDROS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("network", "devnet")
	v.SetDefault("timeout", cedroshttp.DefaultTimeout)
	v.SetDefault("log_level", "info")
	v.SetDefault("output", "yaml")

	for flag, key := range flagKeys {
		if err := v.BindEnv(key); err != nil {
			return cliConfig{}, err
		}
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return cliConfig{}, err
			}
		}
	}

	if file, _ := flags.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return cliConfig{}, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg cliConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cliConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cedroshttp.DefaultTimeout
	}
	switch cfg.Output {
	case "yaml", "json":
	default:
		return cliConfig{}, fmt.Errorf("unknown output format %q", cfg.Output)
	}
	return cfg, nil
}
