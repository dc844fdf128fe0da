// Package config defines the structures that configure a capture run.
package config

import (
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// Defaults applied to fields left unset.
const (
	DefaultFPS   = 60
	DefaultModel = "fake"
)

// Config is the full configuration of a capture run.
type Config struct {
	// ConfigFilePath is where the config was read from, if anywhere.
	ConfigFilePath string `json:"-"`

	Sensor   Sensor        `json:"sensor"`
	FPS      int           `json:"fps,omitempty"`
	MaxDepth uint16        `json:"max_depth,omitempty"`
	Preview  *Preview      `json:"preview,omitempty"`
	LogLevel logging.Level `json:"log_level,omitempty"`

	// LogFile also writes logs to a size rotated file.
	LogFile string `json:"log_file,omitempty"`

	// MinDepth is the floor of the depth preview. Nil uses rimage.DefaultMinDepth, 0 is a valid floor.
	MinDepth *uint16 `json:"min_depth,omitempty"`

	// MaxFrames ends the run after that many frames. Zero runs until asked to stop.
	MaxFrames int `json:"max_frames,omitempty"`
}

// Sensor selects the source model and its model specific attributes.
type Sensor struct {
	Model      string            `json:"model,omitempty"`
	Attributes camera.Attributes `json:"attributes,omitempty"`
}

// Preview configures the snapshot file the live preview is written to.
type Preview struct {
	Path  string  `json:"path"`
	Every int     `json:"every,omitempty"`
	Scale float64 `json:"scale,omitempty"`
}

// Default returns the config of a run with no config file and no flags.
func Default() *Config {
	cfg := &Config{}
	cfg.Ensure()
	return cfg
}

// Ensure fills in defaults for unset fields.
func (c *Config) Ensure() {
	if c.Sensor.Model == "" {
		c.Sensor.Model = DefaultModel
	}
	if c.FPS == 0 {
		c.FPS = DefaultFPS
	}
	if c.MinDepth == nil {
		minDepth := rimage.DefaultMinDepth
		c.MinDepth = &minDepth
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = rimage.DefaultMaxDepth
	}
}

// Period returns the time between two frames.
func (c *Config) Period() time.Duration {
	return time.Second / time.Duration(c.FPS)
}

// DepthRange returns the clamping range of the depth preview, with defaults for unset bounds.
func (c *Config) DepthRange() (uint16, uint16) {
	lo, hi := rimage.DefaultMinDepth, c.MaxDepth
	if c.MinDepth != nil {
		lo = *c.MinDepth
	}
	if hi == 0 {
		hi = rimage.DefaultMaxDepth
	}
	return lo, hi
}

// Validate returns an error wrapping utils.ErrInvalidArgument if the config cannot be run.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return utils.Classify(utils.ErrInvalidArgument, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Sensor.Model == "" {
		return goutils.NewConfigValidationFieldRequiredError("sensor", "model")
	}
	if c.FPS <= 0 || time.Second/time.Duration(c.FPS) == 0 {
		return goutils.NewConfigValidationError("fps", errors.Errorf("must be between 1 and %d, got %d", time.Second, c.FPS))
	}
	if lo, hi := c.DepthRange(); lo >= hi {
		return goutils.NewConfigValidationError("min_depth",
			errors.Errorf("must be less than max_depth, got [%d, %d]", lo, hi))
	}
	if c.MaxFrames < 0 {
		return goutils.NewConfigValidationError("max_frames", errors.Errorf("cannot be negative, got %d", c.MaxFrames))
	}
	if c.Preview != nil {
		if c.Preview.Path == "" {
			return goutils.NewConfigValidationFieldRequiredError("preview", "path")
		}
		if c.Preview.Every < 0 {
			return goutils.NewConfigValidationError("preview.every", errors.Errorf("cannot be negative, got %d", c.Preview.Every))
		}
		if c.Preview.Scale < 0 {
			return goutils.NewConfigValidationError("preview.scale", errors.Errorf("cannot be negative, got %v", c.Preview.Scale))
		}
	}
	return nil
}
