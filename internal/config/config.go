package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
)

const (
	ProviderDeribit = "deribit"
	ProviderStatic  = "static"
)

type Config struct {
	Server   ServerConfig
	Relay    RelayConfig
	Log      LogConfig
	Provider string
	Deribit  DeribitConfig
	Static   StaticConfig
}

type ServerConfig struct {
	ListenAddr   string
	HealthAddr   string
	WriteTimeout time.Duration
}

type RelayConfig struct {
	PollInterval     time.Duration
	PushOnSubscribe  bool
	FetchConcurrency int
}

type LogConfig struct {
	Level  string
	Format string
}

type DeribitConfig struct {
	URL          string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Depth        int
}

type StaticConfig struct {
	// Symbols maps instrument name to the mid price books are generated around.
	Symbols     map[string]float64
	DepthLevels int
}

// Load reads configuration from the environment, after merging an optional
// .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var l loader
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:   getEnv("RELAY_LISTEN_ADDR", ":9002"),
			HealthAddr:   getEnv("RELAY_HEALTH_ADDR", ":9003"),
			WriteTimeout: l.duration("RELAY_WRITE_TIMEOUT", 5*time.Second),
		},
		Relay: RelayConfig{
			PollInterval:     l.duration("RELAY_POLL_INTERVAL", time.Second),
			PushOnSubscribe:  l.bool("RELAY_PUSH_ON_SUBSCRIBE", true),
			FetchConcurrency: l.int("RELAY_FETCH_CONCURRENCY", 8),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Provider: strings.ToLower(getEnv("RELAY_PROVIDER", ProviderDeribit)),
		Deribit: DeribitConfig{
			URL:          getEnv("DERIBIT_URL", "https://test.deribit.com/api/v2/"),
			ClientID:     getEnv("DERIBIT_CLIENT_ID", ""),
			ClientSecret: getEnv("DERIBIT_CLIENT_SECRET", ""),
			Timeout:      l.duration("DERIBIT_TIMEOUT", 5*time.Second),
			Depth:        l.int("DERIBIT_DEPTH", 0),
		},
		Static: StaticConfig{
			Symbols:     l.symbols("STATIC_SYMBOLS", "BTC-PERPETUAL:65000,ETH-PERPETUAL:3200"),
			DepthLevels: l.int("STATIC_DEPTH", 10),
		},
	}

	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write timeout must be positive"))
	}
	if c.Relay.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.Relay.FetchConcurrency <= 0 {
		errs = append(errs, errors.New("fetch concurrency must be positive"))
	}
	switch c.Provider {
	case ProviderDeribit:
		if c.Deribit.URL == "" {
			errs = append(errs, errors.New("deribit url is required"))
		}
		if (c.Deribit.ClientID == "") != (c.Deribit.ClientSecret == "") {
			errs = append(errs, errors.New("deribit client id and secret must be set together"))
		}
	case ProviderStatic:
		if len(c.Static.Symbols) == 0 {
			errs = append(errs, errors.New("static provider needs at least one symbol"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loader collects parse errors so every bad key is reported at once.
type loader struct {
	errs []error
}

func (l *loader) duration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func (l *loader) bool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func (l *loader) int(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

// symbols parses "SYMBOL:price,SYMBOL:price".
func (l *loader) symbols(key, defaultValue string) map[string]float64 {
	out := make(map[string]float64)
	for _, entry := range strings.Split(getEnv(key, defaultValue), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, price, ok := strings.Cut(entry, ":")
		if !ok {
			l.errs = append(l.errs, fmt.Errorf("%s: entry %q is not SYMBOL:price", key, entry))
			continue
		}
		p, err := strconv.ParseFloat(price, 64)
		if err != nil || p <= 0 {
			l.errs = append(l.errs, fmt.Errorf("%s: bad price for %s: %q", key, name, price))
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(name))] = p
	}
	return out
}
