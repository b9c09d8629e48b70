// Package config loads the recognizer configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file, a .env file and
// the process environment (P3FR_<SECTION>_<KEY>), then CLI flags applied by
// the caller before Validate.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "P3FR"

// Config is the complete recognizer configuration.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Labels    LabelsConfig    `yaml:"labels"`
	Tensor    TensorConfig    `yaml:"tensor"`
	Filter    FilterConfig    `yaml:"filter"`
	TopK      TopKConfig      `yaml:"topk"`
	Crop      CropConfig      `yaml:"crop"`
	Converter ConverterConfig `yaml:"converter"`
	Detector  DetectorConfig  `yaml:"detector"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Output    OutputConfig    `yaml:"output"`
	Debug     DebugConfig     `yaml:"debug"`
	Log       LogConfig       `yaml:"log"`
}

// ModelConfig locates the model inside its container file. Length 0 maps to EOF.
type ModelConfig struct {
	Path    string `yaml:"path" validate:"required"`
	Offset  int64  `yaml:"offset" validate:"gte=0"`
	Length  int64  `yaml:"length" validate:"gte=0"`
	Threads int    `yaml:"threads" validate:"gte=1"`
}

type LabelsConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type TensorConfig struct {
	Width    int     `yaml:"width" validate:"gte=1"`
	Height   int     `yaml:"height" validate:"gte=1"`
	Batch    int     `yaml:"batch" validate:"gte=1"`
	Channels int     `yaml:"channels" validate:"eq=3"`
	Mean     float32 `yaml:"mean"`
	Std      float32 `yaml:"std" validate:"ne=0"`
}

type FilterConfig struct {
	Stages int     `yaml:"stages" validate:"gte=1"`
	Factor float32 `yaml:"factor" validate:"gt=0,lte=1"`
	// Mode is "reference" (stages fed zeros, raw output selected) or "smooth".
	Mode string `yaml:"mode" validate:"oneof=reference smooth"`
}

type TopKConfig struct {
	Results int `yaml:"results" validate:"gte=1"`
}

type CropConfig struct {
	ShrinkW int `yaml:"shrinkW" validate:"gte=0"`
	ShrinkH int `yaml:"shrinkH" validate:"gte=0"`
}

type ConverterConfig struct {
	Mode        string `yaml:"mode" validate:"oneof=direct jpeg"`
	JPEGQuality int    `yaml:"jpegQuality" validate:"gte=1,lte=100"`
}

// DetectorConfig selects and tunes the face detector. Engine "pigo" runs in
// process; "process" talks to an external worker command.
type DetectorConfig struct {
	Engine       string        `yaml:"engine" validate:"oneof=pigo process"`
	Cascade      string        `yaml:"cascade" validate:"required_if=Engine pigo"`
	MinSize      int           `yaml:"minSize" validate:"gte=1"`
	MaxSize      int           `yaml:"maxSize" validate:"gtefield=MinSize"`
	ShiftFactor  float64       `yaml:"shiftFactor" validate:"gt=0,lte=1"`
	ScaleFactor  float64       `yaml:"scaleFactor" validate:"gt=1"`
	IoUThreshold float32       `yaml:"iouThreshold" validate:"gt=0,lte=1"`
	MinQuality   float32       `yaml:"minQuality" validate:"gte=0"`
	Command      string        `yaml:"command" validate:"required_if=Engine process"`
	Args         []string      `yaml:"args"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxMissed    int           `yaml:"maxMissed" validate:"gte=0"`
	TrackMemory  int           `yaml:"trackMemory" validate:"gte=1"`
}

// OverlayConfig is the overlay surface size. Zero means the preview size.
type OverlayConfig struct {
	Width  int `yaml:"width" validate:"gte=0"`
	Height int `yaml:"height" validate:"gte=0"`
}

type OutputConfig struct {
	Format string `yaml:"format" validate:"oneof=jsonl msgpack"`
	// Path "-" is stdout.
	Path string `yaml:"path" validate:"required"`
}

type DebugConfig struct {
	SaveCrops bool   `yaml:"saveCrops"`
	Dir       string `yaml:"dir" validate:"required_if=SaveCrops true"`
	Every     int    `yaml:"every" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Default returns the stock tuning for the bundled model.
func Default() *Config {
	return &Config{
		Model:  ModelConfig{Path: "emp.tflite", Threads: 1},
		Labels: LabelsConfig{Path: "retrained_labels.txt"},
		Tensor: TensorConfig{Width: 224, Height: 224, Batch: 1, Channels: 3, Mean: 128, Std: 128.0},
		Filter: FilterConfig{Stages: 3, Factor: 0.4, Mode: "reference"},
		TopK:   TopKConfig{Results: 3},
		Crop:   CropConfig{ShrinkW: 150, ShrinkH: 100},
		Converter: ConverterConfig{
			Mode:        "direct",
			JPEGQuality: 50,
		},
		Detector: DetectorConfig{
			Engine:       "pigo",
			Cascade:      "facefinder",
			MinSize:      40,
			MaxSize:      1000,
			ShiftFactor:  0.1,
			ScaleFactor:  1.1,
			IoUThreshold: 0.3,
			MinQuality:   5,
			Timeout:      2 * time.Second,
			MaxMissed:    5,
			TrackMemory:  64,
		},
		Output: OutputConfig{Format: "jsonl", Path: "-"},
		Debug:  DebugConfig{Dir: ".", Every: 100},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds a Config from defaults, the optional YAML file at path, an
// optional .env file at envFile and the environment. It does not validate.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already set in the environment
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from lookup. A field tagged yaml:"shrinkW" in
// section yaml:"crop" is read from P3FR_CROP_SHRINKW. Slices are comma separated.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	root := reflect.ValueOf(cfg).Elem()
	rt := root.Type()
	for i := 0; i < rt.NumField(); i++ {
		section := root.Field(i)
		sectionName := yamlName(rt.Field(i))
		st := section.Type()
		for j := 0; j < st.NumField(); j++ {
			key := EnvPrefix + "_" + strings.ToUpper(sectionName) + "_" + strings.ToUpper(yamlName(st.Field(j)))
			raw, ok := lookup(key)
			if !ok {
				continue
			}
			if err := setField(section.Field(j), raw); err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
		}
	}
	return nil
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(v reflect.Value, raw string) error {
	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Slice:
		var parts []string
		if raw != "" {
			parts = strings.Split(raw, ",")
		}
		v.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint and reports all failures at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
