package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "EDGEWARD_"

// Replica backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config carries every knob the services read from the environment.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	PostgresDSN    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ReplicaBackend string

	AMQPURL        string
	AMQPPartitions int
	AMQPGroup      string
	Topic          string

	TokenSecret string
	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration

	AuthorityURL string
	DirectoryURL string
	RoutesFile   string

	RateLimitRPS     float64
	RateLimitBurst   int
	TrustedProxyHops int

	ShutdownTimeout time.Duration
}

// Load reads EDGEWARD_* variables, falling back to defaults.
func Load() (Config, error) {
	var errs []string
	c := Config{
		HTTPAddr:       str("HTTP_ADDR", ":8080"),
		GRPCAddr:       str("GRPC_ADDR", ":9090"),
		LogLevel:       str("LOG_LEVEL", "info"),
		PostgresDSN:    str("PG_DSN", ""),
		RedisAddr:      str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  str("REDIS_PASSWORD", ""),
		ReplicaBackend: strings.ToLower(str("REPLICA_BACKEND", BackendMemory)),
		AMQPURL:        str("AMQP_URL", ""),
		AMQPGroup:      str("AMQP_GROUP", "replica"),
		Topic:          str("TOPIC", "identity-events"),
		TokenSecret:    str("TOKEN_SECRET", ""),
		Issuer:         str("TOKEN_ISSUER", "edgeward"),
		AuthorityURL:   str("AUTHORITY_URL", "http://localhost:8081"),
		DirectoryURL:   str("DIRECTORY_URL", "http://localhost:8082"),
		RoutesFile:     str("ROUTES_FILE", ""),
	}
	c.RedisDB = integer("REDIS_DB", 0, &errs)
	c.AMQPPartitions = integer("AMQP_PARTITIONS", 4, &errs)
	c.AccessTTL = duration("ACCESS_TTL", time.Hour, &errs)
	c.RefreshTTL = duration("REFRESH_TTL", 24*time.Hour, &errs)
	c.RateLimitRPS = float("RATE_LIMIT_RPS", 50, &errs)
	c.RateLimitBurst = integer("RATE_LIMIT_BURST", 100, &errs)
	c.TrustedProxyHops = integer("TRUSTED_PROXY_HOPS", 0, &errs)
	c.ShutdownTimeout = duration("SHUTDOWN_TIMEOUT", 10*time.Second, &errs)

	switch c.ReplicaBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		errs = append(errs, fmt.Sprintf("%sREPLICA_BACKEND: unknown backend %q", envPrefix, c.ReplicaBackend))
	}
	if c.TrustedProxyHops < 0 {
		errs = append(errs, envPrefix+"TRUSTED_PROXY_HOPS must not be negative")
	}
	if c.AMQPPartitions <= 0 {
		errs = append(errs, envPrefix+"AMQP_PARTITIONS must be positive")
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

// RequireSecret fails when no token secret is configured.
func (c Config) RequireSecret() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("config: %sTOKEN_SECRET is required", envPrefix)
	}
	return nil
}

func str(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func integer(key string, def int, errs *[]string) int {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
		return def
	}
	return v
}

func float(key string, def float64, errs *[]string) float64 {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
		return def
	}
	return v
}

func duration(key string, def time.Duration, errs *[]string) time.Duration {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
		return def
	}
	return v
}
