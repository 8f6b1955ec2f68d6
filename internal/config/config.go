package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/bushub/internal/utils"
	"github.com/menta2k/bushub/pkg/assist"
	"github.com/menta2k/bushub/pkg/editor"
	"github.com/menta2k/bushub/pkg/persist"
	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/types"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BUSHUB_"

// Config holds the application configuration
type Config struct {
	Segmentation types.SegmentationParams `yaml:"segmentation" envPrefix:"SEGMENTATION_"`
	Raster       RasterConfig             `yaml:"raster" envPrefix:"RASTER_"`
	Geodesy      GeodesyConfig            `yaml:"geodesy" envPrefix:"GEODESY_"`
	Bus          BusConfig                `yaml:"bus" envPrefix:"BUS_"`
	API          APIConfig                `yaml:"api" envPrefix:"API_"`
	Assist       AssistConfig             `yaml:"assist" envPrefix:"ASSIST_"`
	Server       ServerConfig             `yaml:"server" envPrefix:"SERVER_"`
	Log          LogConfig                `yaml:"log" envPrefix:"LOG_"`
}

// RasterConfig holds configuration for plan decoding
type RasterConfig struct {
	SupportedFormats []string `yaml:"supported_formats" env:"SUPPORTED_FORMATS"`
	PDFScale         float64  `yaml:"pdf_scale" env:"PDF_SCALE"`
	MaxUploadBytes   int64    `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	MinImageSize     int      `yaml:"min_image_size" env:"MIN_IMAGE_SIZE"`
}

// GeodesyConfig holds placement defaults
type GeodesyConfig struct {
	MetersPerPixel   float64 `yaml:"meters_per_pixel" env:"METERS_PER_PIXEL"`
	StallWidthM      float64 `yaml:"stall_width_m" env:"STALL_WIDTH_M"`
	StallHeightM     float64 `yaml:"stall_height_m" env:"STALL_HEIGHT_M"`
	StallRotationDeg float64 `yaml:"stall_rotation_deg" env:"STALL_ROTATION_DEG"`
	HitToleranceM    float64 `yaml:"hit_tolerance_m" env:"HIT_TOLERANCE_M"`
}

// BusConfig holds the artifact bus tiers
type BusConfig struct {
	SQLitePath   string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	FallbackPath string `yaml:"fallback_path" env:"FALLBACK_PATH"`
	KeyPrefix    string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// APIConfig holds the persistence API endpoint
type APIConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Path    string        `yaml:"path" env:"PATH"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// AssistConfig holds the vision-model parameter assist
type AssistConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Backend is "ollama" or "llamacpp"
	Backend     string  `yaml:"backend" env:"BACKEND"`
	OllamaURL   string  `yaml:"ollama_url" env:"OLLAMA_URL"`
	LlamaCppURL string  `yaml:"llamacpp_url" env:"LLAMACPP_URL"`
	Model       string  `yaml:"model" env:"MODEL"`
	MaxSide     int     `yaml:"max_side" env:"MAX_SIDE"`
	HueSpread   float64 `yaml:"hue_spread" env:"HUE_SPREAD"`
}

// Vision backends
const (
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// ServerConfig holds the HTTP surface
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// Default returns a configuration with default values
func Default() *Config {
	ed := editor.DefaultConfig()
	api := persist.DefaultConfig()
	as := assist.DefaultConfig()
	return &Config{
		Segmentation: types.DefaultSegmentationParams(),
		Raster: RasterConfig{
			SupportedFormats: []string{"png", "jpeg", "gif", "webp", "tiff", "bmp", "pdf"},
			PDFScale:         2,
			MaxUploadBytes:   64 << 20,
			MinImageSize:     1,
		},
		Geodesy: GeodesyConfig{
			MetersPerPixel:   ed.MetersPerPixel,
			StallWidthM:      ed.Defaults.StallWidthM,
			StallHeightM:     ed.Defaults.StallHeightM,
			StallRotationDeg: ed.Defaults.StallRotationDeg,
			HitToleranceM:    ed.Defaults.HitToleranceM,
		},
		Bus: BusConfig{
			SQLitePath:   filepath.Join(dataDir(), "bus.db"),
			FallbackPath: filepath.Join(dataDir(), "bus.json"),
			KeyPrefix:    "bushub:",
		},
		API: APIConfig{
			BaseURL: api.BaseURL,
			Path:    api.Path,
			Timeout: api.Timeout,
		},
		Assist: AssistConfig{
			Enabled:     false,
			Backend:     BackendOllama,
			OllamaURL:   "http://localhost:11434",
			LlamaCppURL: "http://localhost:8081",
			Model:       as.Model,
			MaxSide:     as.MaxSide,
			HueSpread:   as.HueSpread,
		},
		Server: ServerConfig{ListenAddr: "127.0.0.1:8080"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads filename when it exists, then applies BUSHUB_* environment overrides
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" && utils.FileExists(filename) {
		loaded, err := LoadFromFile(filename)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file. Missing keys keep their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from BUSHUB_* environment variables
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	if err := utils.EnsureDir(filepath.Dir(filename)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if err := c.Segmentation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmentation: %w", err))
	}

	if c.Raster.PDFScale <= 0 {
		errs = append(errs, errors.New("raster.pdf_scale must be positive"))
	}
	if c.Raster.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("raster.max_upload_bytes cannot be negative"))
	}
	if len(c.Raster.SupportedFormats) == 0 {
		errs = append(errs, errors.New("raster.supported_formats cannot be empty"))
	}
	for _, f := range c.Raster.SupportedFormats {
		if formatMIME(f) == "" {
			errs = append(errs, fmt.Errorf("raster.supported_formats: unknown format %q", f))
		}
	}

	if c.Geodesy.MetersPerPixel <= 0 {
		errs = append(errs, errors.New("geodesy.meters_per_pixel must be positive"))
	}
	if c.Geodesy.StallWidthM <= 0 || c.Geodesy.StallHeightM <= 0 {
		errs = append(errs, errors.New("geodesy stall width and height must be positive"))
	}
	if c.Geodesy.HitToleranceM < 0 {
		errs = append(errs, errors.New("geodesy.hit_tolerance_m cannot be negative"))
	}

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}

	if c.Assist.Enabled {
		switch c.Assist.Backend {
		case BackendOllama:
			if c.Assist.OllamaURL == "" {
				errs = append(errs, errors.New("assist.ollama_url is required for the ollama backend"))
			}
		case BackendLlamaCpp:
			if c.Assist.LlamaCppURL == "" {
				errs = append(errs, errors.New("assist.llamacpp_url is required for the llamacpp backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("assist.backend: unknown backend %q", c.Assist.Backend))
		}
		if c.Assist.Model == "" {
			errs = append(errs, errors.New("assist.model is required when assist is enabled"))
		}
	}

	return errors.Join(errs...)
}

// LoaderConfig returns the raster loader settings
func (c *Config) LoaderConfig() raster.Config {
	formats := make([]string, 0, len(c.Raster.SupportedFormats))
	for _, f := range c.Raster.SupportedFormats {
		if m := formatMIME(f); m != "" {
			formats = append(formats, m)
		}
	}
	return raster.Config{
		SupportedFormats: formats,
		PDFScale:         c.Raster.PDFScale,
		MaxBytes:         c.Raster.MaxUploadBytes,
		MinImageSize:     c.Raster.MinImageSize,
	}
}

// EditorConfig returns the placement editor settings
func (c *Config) EditorConfig() editor.Config {
	cfg := editor.DefaultConfig()
	cfg.MetersPerPixel = c.Geodesy.MetersPerPixel
	cfg.Defaults.StallWidthM = c.Geodesy.StallWidthM
	cfg.Defaults.StallHeightM = c.Geodesy.StallHeightM
	cfg.Defaults.StallRotationDeg = c.Geodesy.StallRotationDeg
	cfg.Defaults.HitToleranceM = c.Geodesy.HitToleranceM
	return cfg
}

// PersistConfig returns the persistence client settings
func (c *Config) PersistConfig() persist.Config {
	return persist.Config{BaseURL: c.API.BaseURL, Path: c.API.Path, Timeout: c.API.Timeout}
}

// AssistConfig returns the vision assistant settings
func (c *Config) AssistConfig() assist.Config {
	cfg := assist.DefaultConfig()
	cfg.Model = c.Assist.Model
	cfg.MaxSide = c.Assist.MaxSide
	cfg.HueSpread = c.Assist.HueSpread
	return cfg
}

func formatMIME(format string) string {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "png":
		return raster.MIMEPNG
	case "jpg", "jpeg":
		return raster.MIMEJPEG
	case "gif":
		return raster.MIMEGIF
	case "webp":
		return raster.MIMEWebP
	case "tif", "tiff":
		return raster.MIMETIFF
	case "bmp":
		return raster.MIMEBMP
	case "pdf":
		return raster.MIMEPDF
	}
	return ""
}

func dataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "bushub")
	}
	return "./.bushub"
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./bushub.yaml"
	}
	return filepath.Join(home, ".config", "bushub", "config.yaml")
}
