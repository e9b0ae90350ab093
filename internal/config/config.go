// Package config loads restreamd settings.
//
// Resolution order (later wins):
//
//  1. Built-in defaults (Default)
//  2. YAML file (restreamd.yaml or the -config path)
//  3. .env file in the working directory, if present
//  4. Process environment (DEBUG, MAX_LOG_LINES, VIDEO_FOLDER, ...)
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no -config flag is given.
const DefaultPath = "restreamd.yaml"

type Config struct {
	Debug bool `yaml:"debug"`
	Dev   bool `yaml:"dev"`

	ListenAddr            string `yaml:"listen_address"`
	Port                  string `yaml:"port"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`

	// Redis status mirror. Empty address disables it.
	RedisAddr string `yaml:"redis_address"`
	RedisDB   int    `yaml:"redis_db"`

	FFmpegPath    string `yaml:"ffmpeg_path"`
	NvidiaSMIPath string `yaml:"nvidia_smi_path"`
	RenderNode    string `yaml:"render_node"`

	VideoFolder string `yaml:"video_folder"`
	WorkDir     string `yaml:"work_dir"`

	MaxLogLines       int      `yaml:"max_log_lines"`
	EncoderPreference []string `yaml:"encoder_preference"`

	MaxRestarts         int           `yaml:"max_restarts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	RestartWindow       time.Duration `yaml:"restart_window"`
	StabilizationPeriod time.Duration `yaml:"stabilization_period"`
	StartGrace          time.Duration `yaml:"start_grace"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		ListenAddr:            "0.0.0.0",
		Port:                  "8080",
		MaxConcurrentRequests: 64,
		FFmpegPath:            "ffmpeg",
		NvidiaSMIPath:         "nvidia-smi",
		RenderNode:            "/dev/dri/renderD128",
		VideoFolder:           "./videos",
		WorkDir:               filepath.Join(os.TempDir(), "restreamd"),
		MaxLogLines:           500,
		EncoderPreference:     []string{"nvenc", "qsv", "vaapi", "cpu"},
		MaxRestarts:           10,
		BackoffBase:           time.Second,
		BackoffMax:            time.Minute,
		BackoffMultiplier:     2,
		StabilizationPeriod:   time.Minute,
		StartGrace:            15 * time.Second,
		StopTimeout:           5 * time.Second,
		ProbeTimeout:          10 * time.Second,
	}
}

// Load builds a Config from defaults, the YAML file at path, an optional
// .env file and the environment. A missing file at DefaultPath is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := cfg.loadFile(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
		if err != nil {
			return nil, err
		}
	}

	// .env is optional; real environment variables still take precedence.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.Debug = getEnvBool("DEBUG", c.Debug, &errs)
	c.Dev = getEnv("ENV", "") == "dev" || c.Dev
	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.Port = getEnv("PORT", c.Port)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)
	c.RenderNode = getEnv("RENDER_NODE", c.RenderNode)
	c.VideoFolder = getEnv("VIDEO_FOLDER", c.VideoFolder)
	c.WorkDir = getEnv("WORK_DIR", c.WorkDir)
	c.MaxLogLines = getEnvInt("MAX_LOG_LINES", c.MaxLogLines, &errs)
	c.MaxRestarts = getEnvInt("MAX_RESTARTS", c.MaxRestarts, &errs)
	c.BackoffBase = getEnvDuration("BACKOFF_BASE", c.BackoffBase, &errs)
	c.BackoffMax = getEnvDuration("BACKOFF_MAX", c.BackoffMax, &errs)
	c.StabilizationPeriod = getEnvDuration("STABILIZATION_PERIOD", c.StabilizationPeriod, &errs)
	c.StartGrace = getEnvDuration("START_GRACE", c.StartGrace, &errs)
	c.StopTimeout = getEnvDuration("STOP_TIMEOUT", c.StopTimeout, &errs)
	if s := getEnv("ENCODER_PREFERENCE", ""); s != "" {
		c.EncoderPreference = splitList(s)
	}
	return errors.Join(errs...)
}

// Validate rejects settings the supervisor cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.MaxLogLines <= 0:
		return fmt.Errorf("max_log_lines must be positive, got %d", c.MaxLogLines)
	case c.MaxRestarts < 0:
		return fmt.Errorf("max_restarts must not be negative, got %d", c.MaxRestarts)
	case c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase:
		return fmt.Errorf("backoff range invalid: base=%s max=%s", c.BackoffBase, c.BackoffMax)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", c.BackoffMultiplier)
	case c.StopTimeout <= 0:
		return fmt.Errorf("stop_timeout must be positive")
	case c.VideoFolder == "":
		return errors.New("video_folder is required")
	case len(c.EncoderPreference) == 0:
		return errors.New("encoder_preference must list at least one backend")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return c.ListenAddr + ":" + c.Port }

func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool, errs *[]error) bool {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
