package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/engine"
	"github.com/wrale/authflow/internal/host"
	"github.com/wrale/authflow/internal/tokenstore"
)

// app is the state shared by every command, filled in PersistentPreRunE.
type app struct {
	cfg  Config
	flow config.FlowConfig
	log  zerolog.Logger
	out  io.Writer

	store tokenstore.Store
	close func() error
}

func newRootCmd() *cobra.Command {
	a := &app{close: func() error { return nil }}

	var (
		flagClientID     string
		flagClientSecret string
		flagTokenURL     string
		flagScopes       []string
		flagLogLevel     string
		flagRedisURL     string
		flagKey          string
	)

	root := &cobra.Command{
		Use:   "authflow",
		Short: "Obtain OAuth 2.0 tokens from the terminal",
		Long: `authflow runs the OAuth 2.0 device, authorization code (PKCE) and token
exchange flows and prints the resulting tokens as JSON.

Settings are read from AUTHFLOW_* environment variables and overridden by flags.

Examples:
  # Device flow
  authflow device --client-id cli --device-url https://as.example/device/code --token-url https://as.example/token

  # Authorization code flow with a loopback redirect
  authflow code --client-id cli --authorization-url https://as.example/authorize --token-url https://as.example/token

  # Persist tokens in Redis
  AUTHFLOW_REDIS_URL=redis://localhost:6379/0 authflow device ...`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			if err := envconfig.Process(envPrefix, &a.cfg); err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if err := envconfig.Process(envPrefix, &a.flow); err != nil {
				return fmt.Errorf("loading flow configuration: %w", err)
			}

			flags := cmd.Flags()
			overlay(flags.Changed("client-id"), &a.flow.ClientID, flagClientID)
			overlay(flags.Changed("client-secret"), &a.flow.ClientSecret, flagClientSecret)
			overlay(flags.Changed("token-url"), &a.flow.TokenURL, flagTokenURL)
			overlay(flags.Changed("log-level"), &a.cfg.LogLevel, flagLogLevel)
			overlay(flags.Changed("redis-url"), &a.cfg.RedisURL, flagRedisURL)
			overlay(flags.Changed("key"), &a.cfg.StoreKey, flagKey)
			if flags.Changed("scope") {
				a.flow.Scopes = flagScopes
			}
			if a.cfg.IDTokenKeysFile != "" {
				data, err := os.ReadFile(a.cfg.IDTokenKeysFile)
				if err != nil {
					return fmt.Errorf("reading id_token keys: %w", err)
				}
				if a.flow.IDTokenKeys, err = config.ParsePublicKeysPEM(data); err != nil {
					return err
				}
			}

			level, err := zerolog.ParseLevel(a.cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", a.cfg.LogLevel, err)
			}
			a.log = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).
				Level(level).With().Timestamp().Logger()

			return a.openStore(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagClientID, "client-id", "", "OAuth client identifier")
	pf.StringVar(&flagClientSecret, "client-secret", "", "OAuth client secret")
	pf.StringVar(&flagTokenURL, "token-url", "", "token endpoint")
	pf.StringSliceVar(&flagScopes, "scope", nil, "requested scopes")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flagRedisURL, "redis-url", "", "Redis URL for token persistence")
	pf.StringVar(&flagKey, "key", "", "key tokens are stored under")

	root.AddCommand(newDeviceCmd(a), newCodeCmd(a), newExchangeCmd(a), newTokensCmd(a))
	root.SetVersionTemplate(fmt.Sprintf("authflow %s\n", Version))
	return root
}

func overlay(changed bool, dst *string, v string) {
	if changed {
		*dst = v
	}
}

// openStore connects to Redis when a URL is configured.
func (a *app) openStore(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	store := tokenstore.NewRedisStore(client)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.CheckHealth(pingCtx); err != nil {
		_ = client.Close()
		return fmt.Errorf("connecting to Redis: %w", err)
	}

	a.store = store
	a.close = client.Close
	return nil
}

// run drives one flow and reports the tokens.
func (a *app) run(ctx context.Context, cfg config.FlowConfig, d *host.Driver) error {
	c, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	d.Log = a.log
	tokens, err := d.Run(ctx, c)
	if err != nil {
		return err
	}

	if a.store != nil {
		if err := a.store.Save(ctx, a.cfg.StoreKey, tokens, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("saving tokens: %w", err)
		}
		a.log.Info().Str("key", a.cfg.StoreKey).Msg("tokens saved")
	}
	return a.print(tokens)
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
