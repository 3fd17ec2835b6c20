package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cedros-pay/cedros-go/managers"
)

type app struct {
	cfg    cliConfig
	logger zerolog.Logger
	cache  *managers.Cache
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:           "cedros",
		Short:         "Cedros Pay command line client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
			}

			a.cfg = cfg
			a.out = cmd.OutOrStdout()
			a.logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).
				Level(level).
				With().
				Timestamp().
				Logger()
			a.cache = managers.NewCache(
				managers.WithFactory(managers.DefaultFactory(managers.WithLogger(a.logger))),
				managers.WithCacheLogger(a.logger),
			)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.cache == nil {
				return nil
			}
			return a.cache.Close()
		},
	}
	registerFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(healthCmd(a))
	rootCmd.AddCommand(quoteCmd(a))
	rootCmd.AddCommand(payCmd(a))
	rootCmd.AddCommand(sessionCmd(a))
	rootCmd.AddCommand(configCmd(a))

	return rootCmd
}

// withBundle acquires the bundle for the resolved config and releases it
// when fn returns.
func (a *app) withBundle(ctx context.Context, fn func(b *managers.Bundle) error) error {
	if a.cfg.ServerURL == "" {
		return fmt.Errorf("server url is required (--server or CEDROS_SERVER_URL)")
	}
	b, err := a.cache.Acquire(ctx, a.cfg.Config)
	if err != nil {
		return err
	}
	defer a.cache.Release(a.cfg.Config)
	return fn(b)
}

// print writes v in the configured output format. Values are passed through
// JSON first so field names follow their json tags.
func (a *app) print(v interface{}) error {
	if a.cfg.Output == "json" {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
