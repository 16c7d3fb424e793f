package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config collects everything the controller reads from the environment. A
// .env file is loaded first when present; real environment variables win.
type Config struct {
	Env        string // "development" or "production"
	ListenAddr string

	MySQLUser     string
	MySQLPassword string
	MySQLHost     string
	MySQLPort     string
	MySQLDatabase string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	// JWTSecret verifies the access tokens minted by the auth provider.
	JWTSecret string
	// OIDCIssuer and OIDCClientID are advertised to clients via
	// /v1/auth/login; token validation itself is local.
	OIDCIssuer   string
	OIDCClientID string
	// TicketTTL bounds how long an issued signaling ticket may stay
	// unredeemed.
	TicketTTL time.Duration
	// AssetDir is the root of the filesystem asset store.
	AssetDir string
	// SweepInterval is the period of the abandoned-room sweep job.
	SweepInterval time.Duration
	// SweepCutoff is how long a room may stay inactive before the sweep
	// closes it.
	SweepCutoff time.Duration
}

// LoadConfig reads the configuration. Only the secrets are mandatory;
// everything else has a development default.
func LoadConfig() (*Config, error) {
	if path := os.Getenv("CONFIG"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	} else if err := godotenv.Load(); err != nil {
		logrus.Warn("no .env file found, using environment variables directly")
	}

	cfg := &Config{
		Env:           envOr("OPENTALK_CTRL_ENV", "development"),
		ListenAddr:    envOr("OPENTALK_CTRL_LISTEN_ADDR", ":8080"),
		MySQLUser:     os.Getenv("OPENTALK_CTRL_MYSQL_USER"),
		MySQLPassword: os.Getenv("OPENTALK_CTRL_MYSQL_PASSWORD"),
		MySQLHost:     envOr("OPENTALK_CTRL_MYSQL_HOST", "127.0.0.1"),
		MySQLPort:     envOr("OPENTALK_CTRL_MYSQL_PORT", "3306"),
		MySQLDatabase: envOr("OPENTALK_CTRL_MYSQL_DB", "opentalk_controller"),
		RedisHost:     envOr("OPENTALK_CTRL_REDIS_HOST", "127.0.0.1"),
		RedisPort:     envOr("OPENTALK_CTRL_REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("OPENTALK_CTRL_REDIS_PASSWORD"),
		JWTSecret:     os.Getenv("OPENTALK_CTRL_JWT_SECRET"),
		OIDCIssuer:    envOr("OPENTALK_CTRL_OIDC_ISSUER", "http://localhost:8090/auth/realms/opentalk"),
		OIDCClientID:  envOr("OPENTALK_CTRL_OIDC_CLIENT_ID", "opentalk-controller"),
		AssetDir:      envOr("OPENTALK_CTRL_ASSET_DIR", "data/assets"),
	}

	var err error
	if cfg.TicketTTL, err = durationOr("OPENTALK_CTRL_TICKET_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationOr("OPENTALK_CTRL_SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepCutoff, err = durationOr("OPENTALK_CTRL_SWEEP_CUTOFF", 24*time.Hour); err != nil {
		return nil, err
	}

	if cfg.MySQLUser == "" {
		return nil, fmt.Errorf("config: OPENTALK_CTRL_MYSQL_USER not set")
	}
	if cfg.MySQLPassword == "" {
		return nil, fmt.Errorf("config: OPENTALK_CTRL_MYSQL_PASSWORD not set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: OPENTALK_CTRL_JWT_SECRET not set")
	}
	return cfg, nil
}

// RedisAddr renders the Redis host/port pair.
func (c *Config) RedisAddr() string { return c.RedisHost + ":" + c.RedisPort }

// DSN renders the MySQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.MySQLUser, c.MySQLPassword, c.MySQLHost, c.MySQLPort, c.MySQLDatabase)
}

func (c *Config) Production() bool { return c.Env == "production" }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return d, nil
}
