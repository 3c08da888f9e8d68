// Package config loads retrondb settings from defaults, an optional YAML file
// and the environment, in that order. Variables in a .env file are added to
// the environment first; variables the process already has win.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stevemurr/retrondb/store"
)

type Config struct {
	Store      store.Config `yaml:"store"`
	Mongo      MongoConfig  `yaml:"mongo"`
	Collection string       `yaml:"collection" validate:"required"`
	HTTP       HTTPConfig   `yaml:"http"`
	Log        LogConfig    `yaml:"log"`
	Schema     SchemaConfig `yaml:"schema"`
}

// MongoConfig holds the parts of an Atlas connection string. It is only
// used when store.mongo_uri is empty.
type MongoConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host" validate:"required_with=User"`
}

type HTTPConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins" validate:"min=1,dive,required"`
}

// Addr returns host:port for net.Listen.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type SchemaConfig struct {
	// Rescan scans the whole collection on every property check instead of
	// keeping an index. Needed when other processes write to the store.
	Rescan bool `yaml:"rescan"`
}

const (
	DefaultDatabase   = "retronDB"
	DefaultCollection = "retrons"
	// DefaultEnvFile is read unless RETRONDB_ENV_FILE names another file.
	DefaultEnvFile = ".env"
)

func Default() Config {
	return Config{
		Store: store.Config{
			Backend:  "json",
			DataDir:  "./data",
			Database: DefaultDatabase,
		},
		Collection: DefaultCollection,
		HTTP: HTTPConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

var validate = validator.New()

// Load builds the configuration. path may be empty, in which case only the
// defaults and the environment are used.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := loadEnvFile(); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Store.MongoURI == "" && cfg.Mongo.Host != "" {
		cfg.Store.MongoURI = cfg.Mongo.URI()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every field against its rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// URI returns the mongodb+srv connection string for the user, password and host.
func (m MongoConfig) URI() string {
	u := url.URL{
		Scheme:   "mongodb+srv",
		Host:     m.Host,
		Path:     "/",
		RawQuery: "retryWrites=true&w=majority",
	}
	if m.User != "" {
		u.User = url.UserPassword(m.User, m.Password)
	}
	return u.String()
}

// loadEnvFile exports the variables of the env file that are not already
// set. A missing file is not an error.
func loadEnvFile() error {
	path := env("RETRONDB_ENV_FILE", DefaultEnvFile)
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	return nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func applyEnv(cfg *Config) error {
	cfg.Store.Backend = env("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.DataDir = env("DATA_DIR", cfg.Store.DataDir)
	cfg.Store.MongoURI = env("RETRONDB_URI", cfg.Store.MongoURI)
	cfg.Store.PostgresURL = env("RETRONDB_POSTGRES_URL", cfg.Store.PostgresURL)
	cfg.Store.Database = env("RETRONDB_DB", cfg.Store.Database)
	cfg.Mongo.User = env("RETRONDB_USR", cfg.Mongo.User)
	cfg.Mongo.Password = env("RETRONDB_PWD", cfg.Mongo.Password)
	cfg.Mongo.Host = env("RETRONDB_HOST", cfg.Mongo.Host)
	cfg.Collection = env("RETRONDB_COLLECTION", cfg.Collection)
	cfg.HTTP.Host = env("HOST", cfg.HTTP.Host)
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.HTTP.Port = port
	}
	if o := os.Getenv("ALLOWED_ORIGINS"); o != "" {
		cfg.HTTP.AllowedOrigins = splitList(o)
	}
	cfg.Log.Level = strings.ToLower(env("LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(env("LOG_FORMAT", cfg.Log.Format))
	if v := os.Getenv("RETRONDB_RESCAN"); v != "" {
		rescan, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RETRONDB_RESCAN: %w", err)
		}
		cfg.Schema.Rescan = rescan
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewLogger builds the process logger.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
