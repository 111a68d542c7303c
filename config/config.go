// Package config builds the server command line. Every flag can also be set
// through a COUPLEMODE_ prefixed environment variable.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const ReleaseVersion = "0.1.0"

const (
	StoreMemory   = "memory"
	StoreDynamoDB = "dynamodb"
	StorePostgres = "postgres"
)

type Config struct {
	Bind           string
	Port           int
	Store          string
	DatabaseURL    string
	Migrate        bool
	AWSRegion      string
	TablePrefix    string
	EventBus       string
	RedisURL       string
	TopicPrefix    string
	SessionTTL     time.Duration
	ExpiryInterval time.Duration
	CodeAttempts   int
	StoreRetries   int
	RequestTimeout time.Duration
	AllowedOrigins []string
	LogLevel       string
	Environment    string
	Version        bool
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}

	switch c.Store {
	case StoreMemory:
	case StoreDynamoDB:
		if c.AWSRegion == "" {
			return errors.New("--aws-region is required with --store=dynamodb")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("--database-url is required with --store=postgres")
		}
	default:
		return fmt.Errorf("unknown store %q (memory, dynamodb, postgres)", c.Store)
	}

	switch c.EventBus {
	case "gochannel":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("--redis-url is required with --event-bus=redis")
		}
	default:
		return fmt.Errorf("unknown event bus %q (gochannel, redis)", c.EventBus)
	}

	if c.CodeAttempts < 1 {
		return fmt.Errorf("--code-attempts must be at least 1: %d", c.CodeAttempts)
	}
	if c.StoreRetries < 0 {
		return fmt.Errorf("--store-retries cannot be negative: %d", c.StoreRetries)
	}
	if c.SessionTTL < 0 || c.ExpiryInterval <= 0 || c.RequestTimeout <= 0 {
		return errors.New("--session-ttl must not be negative; --expiry-interval and --request-timeout must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// NewCmd builds the root command; run is called with the validated config.
func NewCmd(cfg *Config, run func(ctx context.Context, cfg *Config) error) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("COUPLEMODE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "couplemode",
		Short:         "Pairs two people into a swipe session and tells both when they like the same thing.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       ReleaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: COUPLEMODE_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: COUPLEMODE_PORT)")
	fs.StringVar(&cfg.Store, "store", StoreMemory, "session store: memory, dynamodb or postgres (env: COUPLEMODE_STORE)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string (env: COUPLEMODE_DATABASE_URL)")
	fs.BoolVar(&cfg.Migrate, "migrate", true, "apply postgres migrations on start (env: COUPLEMODE_MIGRATE)")
	fs.StringVar(&cfg.AWSRegion, "aws-region", "us-east-1", "AWS region for DynamoDB (env: COUPLEMODE_AWS_REGION)")
	fs.StringVar(&cfg.TablePrefix, "table-prefix", "", "prefix for DynamoDB table names (env: COUPLEMODE_TABLE_PREFIX)")
	fs.StringVar(&cfg.EventBus, "event-bus", "gochannel", "event transport: gochannel or redis (env: COUPLEMODE_EVENT_BUS)")
	fs.StringVar(&cfg.RedisURL, "redis-url", "", "redis url for the redis event bus (env: COUPLEMODE_REDIS_URL)")
	fs.StringVar(&cfg.TopicPrefix, "topic-prefix", "couplemode", "prefix of per-session topics (env: COUPLEMODE_TOPIC_PREFIX)")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", 30*time.Minute, "time before an unjoined session expires, 0 disables (env: COUPLEMODE_SESSION_TTL)")
	fs.DurationVar(&cfg.ExpiryInterval, "expiry-interval", time.Minute, "how often stale sessions are swept (env: COUPLEMODE_EXPIRY_INTERVAL)")
	fs.IntVar(&cfg.CodeAttempts, "code-attempts", 5, "code collisions tolerated before giving up (env: COUPLEMODE_CODE_ATTEMPTS)")
	fs.IntVar(&cfg.StoreRetries, "store-retries", 3, "retries of a store call that failed for infrastructure reasons (env: COUPLEMODE_STORE_RETRIES)")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", 5*time.Second, "deadline of a single request (env: COUPLEMODE_REQUEST_TIMEOUT)")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", []string{"*"}, "CORS and WebSocket origins (env: COUPLEMODE_ALLOWED_ORIGINS)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn or error (env: COUPLEMODE_LOG_LEVEL)")
	fs.StringVar(&cfg.Environment, "environment", "development", "development or production; production logs JSON (env: COUPLEMODE_ENVIRONMENT)")
	fs.BoolVarP(&cfg.Version, "version", "V", false, "display version and exit (env: COUPLEMODE_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("couplemode v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
