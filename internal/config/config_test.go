package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults should validate: %v", err)
	}
	if cfg.Tensor.Width != 224 || cfg.Tensor.Mean != 128 || cfg.Filter.Stages != 3 || cfg.TopK.Results != 3 {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
	if cfg.Crop.ShrinkW != 150 || cfg.Crop.ShrinkH != 100 || cfg.Converter.JPEGQuality != 50 {
		t.Errorf("Unexpected crop/converter defaults %+v %+v", cfg.Crop, cfg.Converter)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p3fr.yaml")
	yml := `
model:
  path: /models/emp.tflite
  offset: 4096
filter:
  mode: smooth
crop:
  shrinkW: 0
detector:
  engine: process
  command: ./detector
  args: ["--gpu"]
  timeout: 500ms
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Model.Path != "/models/emp.tflite" || cfg.Model.Offset != 4096 {
		t.Errorf("Model section not loaded: %+v", cfg.Model)
	}
	if cfg.Filter.Mode != "smooth" || cfg.Filter.Stages != 3 {
		t.Errorf("Expected partial override of filter, got %+v", cfg.Filter)
	}
	if cfg.Crop.ShrinkW != 0 || cfg.Crop.ShrinkH != 100 {
		t.Errorf("Unexpected crop %+v", cfg.Crop)
	}
	if cfg.Detector.Timeout != 500*time.Millisecond || len(cfg.Detector.Args) != 1 {
		t.Errorf("Unexpected detector %+v", cfg.Detector)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), ""); err == nil {
		t.Error("Expected error for a missing config file")
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("P3FR_LABELS_PATH=/tmp/labels.txt\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// godotenv sets the variable process-wide
	t.Cleanup(func() { os.Unsetenv("P3FR_LABELS_PATH") })

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Labels.Path != "/tmp/labels.txt" {
		t.Errorf("Expected .env override, got %q", cfg.Labels.Path)
	}

	// A missing .env is not an error.
	if _, err := Load("", filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("Missing .env should be ignored, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"P3FR_CROP_SHRINKW":     "10",
		"P3FR_FILTER_FACTOR":    "0.25",
		"P3FR_DEBUG_SAVECROPS":  "true",
		"P3FR_DETECTOR_TIMEOUT": "3s",
		"P3FR_DETECTOR_ARGS":    "a,b",
		"P3FR_CONVERTER_MODE":   "jpeg",
		"P3FR_MODEL_LENGTH":     "1024",
		"P3FR_TENSOR_STD":       "127.5",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Crop.ShrinkW != 10 || cfg.Filter.Factor != 0.25 || !cfg.Debug.SaveCrops {
		t.Errorf("Overrides not applied: %+v %+v %+v", cfg.Crop, cfg.Filter, cfg.Debug)
	}
	if cfg.Detector.Timeout != 3*time.Second || len(cfg.Detector.Args) != 2 || cfg.Detector.Args[1] != "b" {
		t.Errorf("Detector overrides not applied: %+v", cfg.Detector)
	}
	if cfg.Converter.Mode != "jpeg" || cfg.Model.Length != 1024 || cfg.Tensor.Std != 127.5 {
		t.Errorf("Unexpected values %+v %+v %+v", cfg.Converter, cfg.Model, cfg.Tensor)
	}
}

func TestApplyEnv_BadValue(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "P3FR_TOPK_RESULTS" {
			return "three", true
		}
		return "", false
	}
	err := ApplyEnv(Default(), lookup)
	if err == nil || !strings.Contains(err.Error(), "P3FR_TOPK_RESULTS") {
		t.Errorf("Expected error naming the variable, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"Zero std", func(c *Config) { c.Tensor.Std = 0 }, "Std"},
		{"Bad filter mode", func(c *Config) { c.Filter.Mode = "median" }, "Mode"},
		{"Process without command", func(c *Config) { c.Detector.Engine = "process" }, "Command"},
		{"Max below min", func(c *Config) { c.Detector.MaxSize = 10 }, "MaxSize"},
		{"Four channels", func(c *Config) { c.Tensor.Channels = 4 }, "Channels"},
		{"Unknown output", func(c *Config) { c.Output.Format = "xml" }, "Format"},
		{"Crops without dir", func(c *Config) { c.Debug.SaveCrops = true; c.Debug.Dir = "" }, "Dir"},
		{"Zero results", func(c *Config) { c.TopK.Results = 0 }, "Results"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error to mention %s, got %v", tt.field, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		l, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		l.Sync()
	}
	if _, err := NewLogger("loud", "json"); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Error("Expected error for unknown format")
	}
}
