// Package main captures depth and color frames from a sensor into a dump file.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/term"

	"go.viam.com/depthcapture/capture"
	"go.viam.com/depthcapture/components/camera"
	// register every source model.
	_ "go.viam.com/depthcapture/components/camera/fake"
	_ "go.viam.com/depthcapture/components/camera/replay"
	_ "go.viam.com/depthcapture/components/camera/v4l2"
	"go.viam.com/depthcapture/config"
	"go.viam.com/depthcapture/dump"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/preview"
	"go.viam.com/depthcapture/utils"
)

const (
	flagConfig       = "config"
	flagModel        = "model"
	flagAttribute    = "attr"
	flagFPS          = "fps"
	flagMinDepth     = "min-depth"
	flagMaxDepth     = "max-depth"
	flagFrames       = "frames"
	flagPreview      = "preview"
	flagPreviewEvery = "preview-every"
	flagDebug        = "debug"
	flagLogFile      = "log-file"

	logFileMaxSizeMB  = 64
	logFileMaxBackups = 3

	usageExitCode = 2
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "camera-capture",
		Usage:     "capture depth and color frames into a dump file",
		ArgsUsage: "<dump file> <compression level>",
		Description: "Captures frames at a fixed rate until ESC or q is pressed, the frame limit is\n" +
			"reached or the process is interrupted. Press 1 to preview depth and 2 to preview color.\n" +
			"The compression level goes from 0 (none) to 9 (best).",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:    flagModel,
				Aliases: []string{"m"},
				Usage:   "source `MODEL` (" + strings.Join(camera.RegisteredModels(), ", ") + ")",
			},
			&cli.StringSliceFlag{
				Name:  flagAttribute,
				Usage: "source attribute as `KEY=VALUE`, may be repeated",
			},
			&cli.IntFlag{
				Name:  flagFPS,
				Usage: "frames captured per second",
			},
			&cli.UintFlag{
				Name:  flagMinDepth,
				Usage: "nearest depth of the preview color ramp, 0 to 65535",
			},
			&cli.UintFlag{
				Name:  flagMaxDepth,
				Usage: "farthest depth of the preview color ramp, 1 to 65535",
			},
			&cli.IntFlag{
				Name:  flagFrames,
				Usage: "stop after `N` frames",
			},
			&cli.StringFlag{
				Name:  flagPreview,
				Usage: "write the live preview to `FILE` (.ppm, .qoi, .png or .jpg)",
			},
			&cli.IntFlag{
				Name:  flagPreviewEvery,
				Usage: "only write every `N`-th preview frame",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`, rotated every 64MB",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Action: runCapture,
	}
}

func usageError(c *cli.Context, format string, args ...interface{}) error {
	//nolint:errcheck
	cli.ShowAppHelp(c)
	return cli.Exit(fmt.Sprintf(format, args...), usageExitCode)
}

// parseArgs checks the positional arguments without opening anything.
func parseArgs(c *cli.Context) (string, int, error) {
	if c.Args().Len() != 2 {
		return "", 0, usageError(c, "expected 2 arguments, got %d", c.Args().Len())
	}
	path := c.Args().Get(0)
	if path == "" {
		return "", 0, usageError(c, "dump file cannot be empty")
	}
	level, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return "", 0, usageError(c, "compression level %q is not a number", c.Args().Get(1))
	}
	if err := dump.ValidateCompressionLevel(level); err != nil {
		return "", 0, usageError(c, "%v", err)
	}
	return path, level, nil
}

// loadConfig reads the config file, if any, and applies the flags on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet(flagModel) {
		cfg.Sensor.Model = c.String(flagModel)
		cfg.Sensor.Attributes = nil
	}
	for _, kv := range c.StringSlice(flagAttribute) {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("attribute %q is not KEY=VALUE", kv)
		}
		if cfg.Sensor.Attributes == nil {
			cfg.Sensor.Attributes = camera.Attributes{}
		}
		cfg.Sensor.Attributes[key] = value
	}
	if c.IsSet(flagFPS) {
		cfg.FPS = c.Int(flagFPS)
	}
	if c.IsSet(flagMinDepth) {
		minDepth, err := depthFlag(c, flagMinDepth)
		if err != nil {
			return nil, err
		}
		cfg.MinDepth = &minDepth
	}
	if c.IsSet(flagMaxDepth) {
		maxDepth, err := depthFlag(c, flagMaxDepth)
		if err != nil {
			return nil, err
		}
		cfg.MaxDepth = maxDepth
	}
	if c.IsSet(flagFrames) {
		cfg.MaxFrames = c.Int(flagFrames)
	}
	if c.IsSet(flagPreview) {
		if cfg.Preview == nil {
			cfg.Preview = &config.Preview{}
		}
		cfg.Preview.Path = c.String(flagPreview)
	}
	if c.IsSet(flagPreviewEvery) && cfg.Preview != nil {
		cfg.Preview.Every = c.Int(flagPreviewEvery)
	}
	if c.Bool(flagDebug) {
		cfg.LogLevel = logging.DEBUG
	}
	if c.IsSet(flagLogFile) {
		cfg.LogFile = c.String(flagLogFile)
	}
	cfg.Ensure()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func depthFlag(c *cli.Context, name string) (uint16, error) {
	v := c.Uint(name)
	if v > math.MaxUint16 {
		return 0, utils.NewInvalidArgumentError("--%s must be at most %d, got %d", name, math.MaxUint16, v)
	}
	return uint16(v), nil
}

func runCapture(c *cli.Context) error {
	path, level, err := parseArgs(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return usageError(c, "%v", err)
	}

	logger := logging.NewLogger("capture")
	logger.SetLevel(cfg.LogLevel)
	defer goutils.UncheckedErrorFunc(logger.Sync)
	if cfg.LogFile != "" {
		file := logging.NewFileAppender(cfg.LogFile, logFileMaxSizeMB, logFileMaxBackups)
		logger.AddAppender(file)
		defer goutils.UncheckedErrorFunc(file.Close)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	minDepth, maxDepth := cfg.DepthRange()
	opts := capture.Options{
		Model:            cfg.Sensor.Model,
		Attributes:       cfg.Sensor.Attributes,
		DumpPath:         path,
		CompressionLevel: level,
		FPS:              cfg.FPS,
		MinDepth:         minDepth,
		MaxDepth:         maxDepth,
		MaxFrames:        cfg.MaxFrames,
	}
	if p := cfg.Preview; p != nil {
		opts.Surface = func(width, height int) (preview.Surface, error) {
			return preview.NewFileSurface(p.Path, width, height,
				preview.FileOptions{Every: p.Every, Scale: p.Scale}, logger.Sublogger("preview"))
		}
	}

	sess, err := capture.NewSession(ctx, opts, logger)
	if err != nil {
		return err
	}

	restore, err := watchKeyboard(ctx, sess, logger)
	if err != nil {
		logger.Warnw("keyboard input unavailable", "error", err)
	}
	runErr := sess.Run(ctx)
	if restore != nil {
		restore()
	}
	closeErr := sess.Close(context.Background())

	stats := sess.Stats()
	fmt.Fprintf(c.App.Writer, "captured %d frames (%s) to %s in %s, %d overruns\n",
		stats.Frames, units.HumanSize(float64(stats.Bytes)), path, stats.Duration.Round(time.Millisecond), stats.Overruns)
	return multierr.Combine(runErr, closeErr)
}

// watchKeyboard puts the terminal into raw mode and forwards key presses to sess. The returned
// function restores the terminal.
func watchKeyboard(ctx context.Context, sess *capture.Session, logger logging.Logger) (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, errors.Wrap(err, "cannot enter raw mode")
	}
	go func() {
		if err := capture.ReadKeys(ctx, os.Stdin, sess.Events()); err != nil && ctx.Err() == nil {
			logger.Warnw("stopped reading keyboard", "error", err)
		}
	}()
	return func() {
		if err := term.Restore(fd, state); err != nil {
			logger.Warnw("cannot restore terminal", "error", err)
		}
	}, nil
}
