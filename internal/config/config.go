package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-yaml/yaml"

	"github.com/totegamma/minisocial/internal/domain"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendFirebase = "firebase"
)

type Config struct {
	Server   Server   `yaml:"server"`
	Auth     Auth     `yaml:"auth"`
	Realtime Realtime `yaml:"realtime"`
	Firebase Firebase `yaml:"firebase"`
}

type Server struct {
	FQDN          string        `yaml:"fqdn"`
	Listen        string        `yaml:"listen"`
	Backend       string        `yaml:"backend"` // memory, postgres, firebase
	PostgresDsn   string        `yaml:"postgresDsn"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	MemcachedAddr string        `yaml:"memcachedAddr"`
	RoleCacheTTL  time.Duration `yaml:"roleCacheTTL"`
	EnableTrace   bool          `yaml:"enableTrace"`
	TraceEndpoint string        `yaml:"traceEndpoint"`
}

type Auth struct {
	JwtSecret string        `yaml:"jwtSecret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
}

type Realtime struct {
	PostsLimit     int   `yaml:"postsLimit"`
	MessagesLimit  int   `yaml:"messagesLimit"`
	SnapshotBuffer int   `yaml:"snapshotBuffer"`
	Retry          Retry `yaml:"retry"`
}

type Retry struct {
	MaxRetries      int           `yaml:"maxRetries"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

type Firebase struct {
	DatabaseURL     string        `yaml:"databaseURL"`
	CredentialsFile string        `yaml:"credentialsFile"`
	PollInterval    time.Duration `yaml:"pollInterval"`
}

func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()
	return Decode(file)
}

// Decode reads YAML, fills defaults, then applies MINISOCIAL_* environment
// overrides.
func Decode(r io.Reader) (Config, error) {
	var config Config
	err := yaml.NewDecoder(r).Decode(&config)
	if err != nil && err != io.EOF {
		return Config{}, err
	}

	config.applyDefaults()
	if err := config.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8000"
	}
	if c.Server.Backend == "" {
		c.Server.Backend = BackendMemory
	}
	if c.Server.RoleCacheTTL == 0 {
		c.Server.RoleCacheTTL = 30 * time.Second
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "minisocial"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Realtime.PostsLimit == 0 {
		c.Realtime.PostsLimit = domain.DefaultPostsLimit
	}
	if c.Realtime.MessagesLimit == 0 {
		c.Realtime.MessagesLimit = domain.DefaultMessagesLimit
	}
	if c.Realtime.SnapshotBuffer == 0 {
		c.Realtime.SnapshotBuffer = 16
	}
	if c.Realtime.Retry.MaxRetries == 0 {
		c.Realtime.Retry.MaxRetries = 5
	}
	if c.Realtime.Retry.InitialInterval == 0 {
		c.Realtime.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Realtime.Retry.MaxInterval == 0 {
		c.Realtime.Retry.MaxInterval = 30 * time.Second
	}
	if c.Firebase.PollInterval == 0 {
		c.Firebase.PollInterval = 2 * time.Second
	}
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"MINISOCIAL_FQDN":                  &c.Server.FQDN,
		"MINISOCIAL_LISTEN":                &c.Server.Listen,
		"MINISOCIAL_BACKEND":               &c.Server.Backend,
		"MINISOCIAL_POSTGRES_DSN":          &c.Server.PostgresDsn,
		"MINISOCIAL_REDIS_ADDR":            &c.Server.RedisAddr,
		"MINISOCIAL_REDIS_PASSWORD":        &c.Server.RedisPassword,
		"MINISOCIAL_MEMCACHED_ADDR":        &c.Server.MemcachedAddr,
		"MINISOCIAL_TRACE_ENDPOINT":        &c.Server.TraceEndpoint,
		"MINISOCIAL_JWT_SECRET":            &c.Auth.JwtSecret,
		"MINISOCIAL_FIREBASE_DATABASE_URL": &c.Firebase.DatabaseURL,
		"MINISOCIAL_FIREBASE_CREDENTIALS":  &c.Firebase.CredentialsFile,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("MINISOCIAL_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MINISOCIAL_REDIS_DB: %v", err)
		}
		c.Server.RedisDB = db
	}
	if v, ok := os.LookupEnv("MINISOCIAL_ENABLE_TRACE"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MINISOCIAL_ENABLE_TRACE: %v", err)
		}
		c.Server.EnableTrace = enabled
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Server.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Server.PostgresDsn == "" {
			return fmt.Errorf("server.postgresDsn is required for the postgres backend")
		}
		if c.Server.RedisAddr == "" {
			return fmt.Errorf("server.redisAddr is required for the postgres backend")
		}
	case BackendFirebase:
		if c.Firebase.DatabaseURL == "" {
			return fmt.Errorf("firebase.databaseURL is required for the firebase backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Server.Backend)
	}
	// Shared backends can run several replicas; a per-process role cache
	// would keep serving revoked roles until its entries expire.
	if c.Server.Backend != BackendMemory && c.Server.MemcachedAddr == "" {
		return fmt.Errorf("server.memcachedAddr is required for the %s backend", c.Server.Backend)
	}
	if c.Auth.JwtSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required")
	}
	if c.Realtime.PostsLimit < 0 || c.Realtime.MessagesLimit < 0 {
		return fmt.Errorf("realtime limits must not be negative")
	}
	return nil
}

// Domain projects the settings the use cases and handlers need.
func (c Config) Domain() domain.Config {
	return domain.Config{
		FQDN:          c.Server.FQDN,
		JwtSecret:     c.Auth.JwtSecret,
		JwtIssuer:     c.Auth.Issuer,
		TokenTTL:      c.Auth.TokenTTL,
		PostsLimit:    c.Realtime.PostsLimit,
		MessagesLimit: c.Realtime.MessagesLimit,
	}
}
