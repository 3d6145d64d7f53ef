// Package config loads loss hyperparameters from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sugarme/gotch"
	"gopkg.in/yaml.v3"

	"github.com/sugarme/stereoloss/contrast"
	"github.com/sugarme/stereoloss/loss"
)

// ErrInvalid reports a config value out of its allowed range.
var ErrInvalid = errors.New("invalid config")

// Config is the full set of tunables for a loss run.
type Config struct {
	Reconstruction loss.ReconstructionConfig `yaml:"reconstruction"`
	Occlusion      loss.OcclusionConfig      `yaml:"occlusion"`
	Contrast       contrast.Config           `yaml:"contrast"`
	MaxDisp        float64                   `yaml:"max_disp"`
	Variant        string                    `yaml:"variant"`
	Device         string                    `yaml:"device"`
}

// Default returns the configuration every package uses out of the box.
func Default() Config {
	return Config{
		Reconstruction: loss.DefaultReconstructionConfig(),
		Occlusion:      loss.DefaultOcclusionConfig(),
		Contrast:       contrast.DefaultConfig(),
		MaxDisp:        192,
		Variant:        loss.Base.String(),
		Device:         "cpu",
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	r := c.Reconstruction
	if r.SmoothWeight < 0 || r.PhotometricWeight < 0 || r.SSIMWeight < 0 {
		return fmt.Errorf("negative reconstruction weight: %w", ErrInvalid)
	}
	if len(c.Occlusion.Slack) == 0 {
		return fmt.Errorf("occlusion slack is empty: %w", ErrInvalid)
	}
	if c.MaxDisp <= 0 {
		return fmt.Errorf("max_disp %v must be positive: %w", c.MaxDisp, ErrInvalid)
	}
	if c.Contrast.NegSamples < 0 || c.Contrast.FeatureSamples <= 0 {
		return fmt.Errorf("contrast sample counts (%d, %d): %w", c.Contrast.NegSamples, c.Contrast.FeatureSamples, ErrInvalid)
	}
	if _, err := loss.ParseVariant(c.Variant); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalid)
	}
	if _, err := c.TorchDevice(); err != nil {
		return err
	}

	return nil
}

// Schedule resolves the configured variant.
func (c Config) Schedule() (loss.Schedule, error) {
	v, err := loss.ParseVariant(c.Variant)
	if err != nil {
		return loss.Schedule{}, err
	}
	return v.Schedule(), nil
}

// TorchDevice maps the device name to a gotch device. "cuda" falls back to
// CPU when no GPU is present.
func (c Config) TorchDevice() (gotch.Device, error) {
	switch strings.ToLower(c.Device) {
	case "", "cpu":
		return gotch.CPU, nil
	case "cuda", "gpu":
		return gotch.CudaIfAvailable(), nil
	default:
		return gotch.CPU, fmt.Errorf("unknown device %q: %w", c.Device, ErrInvalid)
	}
}
