package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MediaRoot     string        `yaml:"media_root"`
	StorePath     string        `yaml:"store_path"`
	DatabaseURL   string        `yaml:"database_url"` // when set, descriptors live in Postgres instead of StorePath
	Encoder       string        `yaml:"encoder"`      // "python" or "http"
	Python        string        `yaml:"python"`
	WorkerScript  string        `yaml:"worker_script"`
	EmbeddingURL  string        `yaml:"embedding_url"`
	Engines       int           `yaml:"engines"`
	NthFrame      int           `yaml:"nth_frame"`
	Threshold     float64       `yaml:"threshold"`
	IncludeWebp   bool          `yaml:"include_webp"`
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
}

const (
	EncoderPython = "python"
	EncoderHTTP   = "http"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MediaRoot:     "Media/Photos and Videos",
		StorePath:     "Media/Embeddings.json",
		Encoder:       EncoderPython,
		Python:        "python3",
		WorkerScript:  "python/worker.py",
		EmbeddingURL:  "http://localhost:8000",
		Engines:       1,
		NthFrame:      10,
		Threshold:     0.52,
		IncludeWebp:   true,
		WorkerTimeout: 60 * time.Second,
	}
}

// Load layers the YAML file at path (optional) and then the environment over
// the defaults. Command-line flags are applied by the caller afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("FACEFINDER_MEDIA_ROOT", &c.MediaRoot)
	envString("FACEFINDER_STORE", &c.StorePath)
	envString("FACEFINDER_ENCODER", &c.Encoder)
	envString("FACEFINDER_PYTHON", &c.Python)
	envString("FACEFINDER_WORKER_SCRIPT", &c.WorkerScript)
	envString("EMBEDDING_URL", &c.EmbeddingURL)
	envString("DATABASE_URL", &c.DatabaseURL)
	if c.DatabaseURL == "" {
		c.DatabaseURL = postgresURLFromEnv()
	}

	var errs []error
	errs = append(errs,
		envInt("FACEFINDER_ENGINES", &c.Engines),
		envInt("FACEFINDER_NTH_FRAME", &c.NthFrame),
		envFloat("FACEFINDER_THRESHOLD", &c.Threshold),
		envBool("FACEFINDER_WEBP", &c.IncludeWebp),
		envDuration("FACEFINDER_WORKER_TIMEOUT", &c.WorkerTimeout),
	)
	return errors.Join(errs...)
}

// postgresURLFromEnv builds a connection URL from the POSTGRES_* variables used
// by the docker-compose setup. It returns "" unless POSTGRES_HOST is set.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD")),
		Host:     host + ":" + port,
		Path:     "/" + os.Getenv("POSTGRES_DB"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Validate rejects settings no run can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.MediaRoot == "" {
		errs = append(errs, errors.New("media root must not be empty"))
	}
	if c.StorePath == "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("store path must not be empty"))
	}
	if c.NthFrame < 1 {
		errs = append(errs, fmt.Errorf("nth frame must be at least 1, got %d", c.NthFrame))
	}
	if c.Engines < 1 {
		errs = append(errs, fmt.Errorf("engines must be at least 1, got %d", c.Engines))
	}
	if c.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("threshold must be positive, got %v", c.Threshold))
	}
	if c.Encoder != EncoderPython && c.Encoder != EncoderHTTP {
		errs = append(errs, fmt.Errorf("unknown encoder %q (want %q or %q)", c.Encoder, EncoderPython, EncoderHTTP))
	}
	if c.WorkerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker timeout must be positive, got %v", c.WorkerTimeout))
	}
	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

func envInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
