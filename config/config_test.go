package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/utils"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Sensor.Model, test.ShouldEqual, "fake")
	test.That(t, cfg.FPS, test.ShouldEqual, 60)
	test.That(t, *cfg.MinDepth, test.ShouldEqual, uint16(64))
	test.That(t, cfg.MaxDepth, test.ShouldEqual, uint16(8192))
	test.That(t, cfg.Period(), test.ShouldEqual, time.Second/60)
	test.That(t, cfg.LogLevel, test.ShouldEqual, logging.INFO)
	test.That(t, cfg.Validate(), test.ShouldBeNil)
}

func TestRead(t *testing.T) {
	t.Setenv("CAPTURE_REPLAY_PATH", "/data/take1.dump")
	path := filepath.Join(t.TempDir(), "capture.json")
	test.That(t, os.WriteFile(path, []byte(`{
		"sensor": {"model": "replay", "attributes": {"path": "${CAPTURE_REPLAY_PATH}", "loop": true}},
		"fps": 30,
		"max_depth": 4000,
		"preview": {"path": "preview.png", "every": 10},
		"log_level": "debug",
		"log_file": "capture.log",
		"max_frames": 300
	}`), 0o600), test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.ConfigFilePath, test.ShouldEqual, path)
	test.That(t, cfg.Sensor.Model, test.ShouldEqual, "replay")
	test.That(t, cfg.Sensor.Attributes["path"], test.ShouldEqual, "/data/take1.dump")
	test.That(t, cfg.Sensor.Attributes["loop"], test.ShouldEqual, true)
	test.That(t, cfg.FPS, test.ShouldEqual, 30)
	test.That(t, *cfg.MinDepth, test.ShouldEqual, uint16(64))
	test.That(t, cfg.MaxDepth, test.ShouldEqual, uint16(4000))
	test.That(t, cfg.Preview.Path, test.ShouldEqual, "preview.png")
	test.That(t, cfg.Preview.Every, test.ShouldEqual, 10)
	test.That(t, cfg.LogLevel, test.ShouldEqual, logging.DEBUG)
	test.That(t, cfg.LogFile, test.ShouldEqual, "capture.log")
	test.That(t, cfg.MaxFrames, test.ShouldEqual, 300)
}

func TestZeroMinDepth(t *testing.T) {
	cfg, err := FromReader("", strings.NewReader(`{"min_depth": 0, "max_depth": 500}`))
	test.That(t, err, test.ShouldBeNil)
	lo, hi := cfg.DepthRange()
	test.That(t, lo, test.ShouldEqual, uint16(0))
	test.That(t, hi, test.ShouldEqual, uint16(500))

	cfg, err = FromReader("", strings.NewReader(`{"max_depth": 500}`))
	test.That(t, err, test.ShouldBeNil)
	lo, _ = cfg.DepthRange()
	test.That(t, lo, test.ShouldEqual, uint16(64))
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent.json"))
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
}

func TestFromReaderErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		json    string
		message string
	}{
		"unknown field":   {`{"fsp": 30}`, "unknown field"},
		"bad level":       {`{"log_level": "loud"}`, "unknown log level"},
		"negative fps":    {`{"fps": -1}`, "fps"},
		"inverted range":  {`{"min_depth": 9000}`, "min_depth"},
		"preview no path": {`{"preview": {"every": 2}}`, "path"},
		"negative frames": {`{"max_frames": -5}`, "max_frames"},
		"negative scale":  {`{"preview": {"path": "p.ppm", "scale": -2}}`, "preview.scale"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromReader("", strings.NewReader(tc.json))
			test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.message)
		})
	}
}
