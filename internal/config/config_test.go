package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bushub/pkg/raster"
	"github.com/menta2k/bushub/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.1, cfg.Geodesy.MetersPerPixel)
	assert.Equal(t, 4.0, cfg.Geodesy.StallWidthM)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.False(t, cfg.Assist.Enabled)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Segmentation.HueMin = 340
	cfg.Segmentation.HueMax = 20
	cfg.API.Timeout = 5 * time.Second
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("geodesy:\n  meters_per_pixel: 0.25\napi:\n  timeout: 10s\n"), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.Geodesy.MetersPerPixel)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
	assert.Equal(t, 3.0, cfg.Geodesy.StallHeightM)
	assert.Equal(t, Default().API.BaseURL, cfg.API.BaseURL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  base_url: http://file:3000\n"), 0644))
	t.Setenv("BUSHUB_API_BASE_URL", "http://env:3000")
	t.Setenv("BUSHUB_ASSIST_ENABLED", "true")
	t.Setenv("BUSHUB_GEODESY_STALL_WIDTH_M", "6")
	t.Setenv("BUSHUB_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env:3000", cfg.API.BaseURL)
	assert.True(t, cfg.Assist.Enabled)
	assert.Equal(t, 6.0, cfg.Geodesy.StallWidthM)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverridesSegmentation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("segmentation:\n  hue_min: 80\n  saturation_min: 30\n"), 0644))
	t.Setenv("BUSHUB_SEGMENTATION_HUE_MIN", "340")
	t.Setenv("BUSHUB_SEGMENTATION_HUE_MAX", "20")
	t.Setenv("BUSHUB_SEGMENTATION_KEEP_DARK_LUMINANCE", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 340.0, cfg.Segmentation.HueMin)
	assert.Equal(t, 20.0, cfg.Segmentation.HueMax)
	assert.Equal(t, 30.0, cfg.Segmentation.SaturationMin)
	assert.Equal(t, types.DefaultSegmentationParams().ValueMin, cfg.Segmentation.ValueMin)
	assert.False(t, cfg.Segmentation.KeepDarkLuminance)

	t.Setenv("BUSHUB_SEGMENTATION_HUE_MIN", "400")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"hue", func(c *Config) { c.Segmentation.HueMax = 400 }, "segmentation"},
		{"scale", func(c *Config) { c.Raster.PDFScale = 0 }, "pdf_scale"},
		{"format", func(c *Config) { c.Raster.SupportedFormats = []string{"png", "svg"} }, `"svg"`},
		{"mpp", func(c *Config) { c.Geodesy.MetersPerPixel = 0 }, "meters_per_pixel"},
		{"stall", func(c *Config) { c.Geodesy.StallHeightM = -1 }, "stall width"},
		{"api", func(c *Config) { c.API.BaseURL = "" }, "base_url"},
		{"assist", func(c *Config) { c.Assist.Enabled = true; c.Assist.Model = "" }, "assist.model"},
		{"backend", func(c *Config) { c.Assist.Enabled = true; c.Assist.Backend = "openai" }, `"openai"`},
		{"llamacpp", func(c *Config) {
			c.Assist.Enabled = true
			c.Assist.Backend = BackendLlamaCpp
			c.Assist.LlamaCppURL = ""
		}, "llamacpp_url"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.want)
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.Raster.SupportedFormats = []string{"png", "JPG", ".pdf"}
	cfg.Geodesy.StallRotationDeg = 15

	lc := cfg.LoaderConfig()
	assert.Equal(t, []string{raster.MIMEPNG, raster.MIMEJPEG, raster.MIMEPDF}, lc.SupportedFormats)
	assert.Equal(t, 2.0, lc.PDFScale)

	ec := cfg.EditorConfig()
	assert.Equal(t, 15.0, ec.Defaults.StallRotationDeg)
	assert.Equal(t, "standard", ec.Defaults.StallKind)

	assert.Equal(t, cfg.API.BaseURL, cfg.PersistConfig().BaseURL)
	assert.Equal(t, cfg.Assist.Model, cfg.AssistConfig().Model)
}
