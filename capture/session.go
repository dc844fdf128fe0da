// Package capture runs the fixed-rate loop that pulls depth and color frames from a source,
// appends them to a dump and previews them.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/dump"
	"go.viam.com/depthcapture/framestore"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/preview"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// DefaultFPS is the capture rate used when Options.FPS is zero.
const DefaultFPS = 60

// eventBuffer is how many inputs may queue up between two ticks.
const eventBuffer = 16

// SurfaceFunc creates the preview surface once the canvas size is known.
type SurfaceFunc func(width, height int) (preview.Surface, error)

// Options configure a Session.
type Options struct {
	Model      string
	Attributes camera.Attributes

	DumpPath         string
	CompressionLevel int

	// FPS is the number of frames captured per second.
	FPS int
	// MinDepth and MaxDepth clamp the depth preview. When both are zero the rimage defaults are
	// used. Otherwise a zero MaxDepth uses rimage.DefaultMaxDepth and MinDepth is taken as given.
	MinDepth, MaxDepth uint16
	// MaxFrames ends the run after that many frames. Zero runs until quit.
	MaxFrames int

	// Surface creates the preview surface. No preview is shown when it is nil.
	Surface SurfaceFunc
	// Clock drives the schedule. Nil uses the wall clock.
	Clock clock.Clock
}

func (opts *Options) validate() error {
	if opts.Model == "" {
		return utils.NewInvalidArgumentError("no source model given")
	}
	if opts.DumpPath == "" {
		return utils.NewInvalidArgumentError("no dump path given")
	}
	if err := dump.ValidateCompressionLevel(opts.CompressionLevel); err != nil {
		return err
	}
	if opts.FPS < 0 || (opts.FPS > 0 && time.Second/time.Duration(opts.FPS) == 0) {
		return utils.NewInvalidArgumentError("fps must be positive and at most %d, got %d", int64(time.Second), opts.FPS)
	}
	if opts.MaxFrames < 0 {
		return utils.NewInvalidArgumentError("max frames cannot be negative, got %d", opts.MaxFrames)
	}
	lo, hi := opts.depthRange()
	if lo >= hi {
		return utils.NewInvalidArgumentError("depth range must satisfy min < max, got [%d, %d]", lo, hi)
	}
	return nil
}

func (opts *Options) depthRange() (uint16, uint16) {
	lo, hi := opts.MinDepth, opts.MaxDepth
	if lo == 0 && hi == 0 {
		return rimage.DefaultMinDepth, rimage.DefaultMaxDepth
	}
	if hi == 0 {
		hi = rimage.DefaultMaxDepth
	}
	return lo, hi
}

func (opts *Options) period() time.Duration {
	fps := opts.FPS
	if fps == 0 {
		fps = DefaultFPS
	}
	return time.Second / time.Duration(fps)
}

// Stats summarize a run.
type Stats struct {
	Frames   int
	Bytes    int64
	Duration time.Duration
	// Overruns counts ticks that finished after the next tick was due.
	Overruns int
}

// Session owns everything a capture run touches: the source, the dump, the frame buffers and
// the preview surface. Close releases all of it.
type Session struct {
	logger logging.Logger
	clock  clock.Clock

	period             time.Duration
	minDepth, maxDepth uint16
	maxFrames          int

	source  camera.Source
	store   *framestore.Writer
	surface preview.Surface

	depthDesc, colorDesc camera.StreamDescriptor
	depth                *rimage.DepthMap
	color                *rimage.ColorImage
	colorized            *rimage.ColorImage
	colorizer            rimage.Colorizer

	events chan Event

	mu      sync.Mutex
	state   State
	view    ViewMode
	stats   Stats
	running bool
}

// NewSession opens the source, creates the dump, writes the stream metadata and allocates the
// frame buffers. If any step fails everything acquired so far is released.
func NewSession(ctx context.Context, opts Options, logger logging.Logger) (sess *Session, err error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	s := &Session{
		logger:    logger,
		clock:     opts.Clock,
		period:    opts.period(),
		maxFrames: opts.MaxFrames,
		events:    make(chan Event, eventBuffer),
		state:     Initializing,
		view:      DepthPreview,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	s.minDepth, s.maxDepth = opts.depthRange()
	defer func() {
		if err != nil {
			err = multierr.Combine(err, s.release(ctx))
		}
	}()

	if s.source, err = camera.Open(ctx, opts.Model, opts.Attributes, logger); err != nil {
		return nil, err
	}
	if s.depthDesc, s.colorDesc, err = camera.Descriptors(s.source); err != nil {
		return nil, utils.Classify(utils.ErrDeviceUnavailable, err)
	}
	logger.Infow("source opened", "model", opts.Model,
		"depth", s.depthDesc, "color", s.colorDesc)

	if s.store, err = framestore.Create(opts.DumpPath, opts.CompressionLevel, logger.Sublogger("framestore")); err != nil {
		return nil, err
	}
	if err = s.store.WriteMetadata(s.depthDesc, s.colorDesc); err != nil {
		return nil, err
	}

	s.depth = rimage.NewEmptyDepthMap(int(s.depthDesc.Width), int(s.depthDesc.Height))
	s.color = rimage.NewEmptyColorImage(int(s.colorDesc.Width), int(s.colorDesc.Height))
	s.colorized = rimage.NewEmptyColorImage(int(s.depthDesc.Width), int(s.depthDesc.Height))

	if opts.Surface != nil {
		width, height := preview.CanvasSize(s.depthDesc, s.colorDesc)
		if s.surface, err = opts.Surface(width, height); err != nil {
			return nil, errors.Wrap(err, "creating preview surface")
		}
	}

	s.state = Running
	return s, nil
}

// Events returns the channel user inputs are delivered on.
func (s *Session) Events() chan<- Event {
	return s.events
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns the current preview mode.
func (s *Session) View() ViewMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Stats returns the progress of the run.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	if s.store != nil {
		stats.Bytes = s.store.Size()
	}
	return stats
}

// Run captures frames at the configured rate until a Quit event, cancellation of ctx, the
// frame limit or a fatal error. Tick n is due at n periods after the start. A tick that starts
// late is never skipped; the schedule catches up by starting the following ticks immediately.
// Run returns nil unless a frame could not be captured or stored.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Running || s.running {
		state := s.state
		s.mu.Unlock()
		return utils.NewInvalidArgumentError("cannot run a session that is %s", state)
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	// Frames are only abandoned between ticks, never halfway through one.
	tickCtx := context.WithoutCancel(ctx)
	start := s.clock.Now()
	deadline := start
	s.logger.Infow("capture started", "period", s.period, "max_frames", s.maxFrames)

	for index := 0; ; index++ {
		if s.drainEvents() || ctx.Err() != nil {
			s.logger.Infow("capture stopped", "frames", index)
			return nil
		}
		if s.maxFrames > 0 && index >= s.maxFrames {
			s.logger.Infow("frame limit reached", "frames", index)
			return nil
		}
		if !s.waitUntil(ctx, deadline) {
			s.logger.Infow("capture stopped", "frames", index)
			return nil
		}

		if err := s.tick(tickCtx, index); err != nil {
			s.logger.Errorw("capture failed", "frame", index, "error", err)
			return err
		}

		deadline = deadline.Add(s.period)
		now := s.clock.Now()
		s.mu.Lock()
		s.stats.Frames = index + 1
		s.stats.Duration = now.Sub(start)
		if now.After(deadline) {
			s.stats.Overruns++
		}
		s.mu.Unlock()
	}
}

// waitUntil blocks until deadline, returning false if ctx is done first.
func (s *Session) waitUntil(ctx context.Context, deadline time.Time) bool {
	wait := deadline.Sub(s.clock.Now())
	if wait <= 0 {
		return true
	}
	timer := s.clock.Timer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// drainEvents applies every queued event and reports whether one of them was Quit.
func (s *Session) drainEvents() bool {
	quit := false
	for {
		select {
		case ev := <-s.events:
			switch ev.Kind {
			case QuitEvent:
				quit = true
			case ToggleViewEvent:
				s.mu.Lock()
				if s.view != ev.View {
					s.logger.Debugw("preview switched", "view", ev.View)
				}
				s.view = ev.View
				s.mu.Unlock()
			}
		default:
			return quit
		}
	}
}

func (s *Session) tick(ctx context.Context, index int) error {
	if err := s.source.UpdateDepth(ctx, s.depth); err != nil {
		return errors.Wrapf(err, "updating depth for frame %d", index)
	}
	if err := s.source.UpdateColor(ctx, s.color); err != nil {
		return errors.Wrapf(err, "updating color for frame %d", index)
	}
	if err := s.store.WriteFrame(index, s.depth, s.color); err != nil {
		return err
	}
	if s.surface != nil {
		if err := s.showPreview(); err != nil {
			s.logger.Warnw("preview failed", "frame", index, "error", err)
		}
	}
	return nil
}

func (s *Session) showPreview() error {
	switch s.View() {
	case ColorPreview:
		return s.surface.Upload(s.color)
	default:
		out, err := s.colorizer.Run(s.depth, s.minDepth, s.maxDepth, s.colorized)
		if err != nil {
			return err
		}
		s.colorized = out
		return s.surface.Upload(out)
	}
}

// Close closes the source, the dump and the preview surface. It may be called more than once;
// only the first call does anything.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == ShuttingDown || s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = ShuttingDown
	s.mu.Unlock()

	err := s.release(ctx)
	stats := s.Stats()
	s.logger.Infow("capture closed", "frames", stats.Frames, "bytes", stats.Bytes,
		"duration", stats.Duration, "overruns", stats.Overruns)

	s.mu.Lock()
	s.state = Closed
	s.depth, s.color, s.colorized = nil, nil, nil
	s.mu.Unlock()
	return err
}

// release frees whatever has been acquired, in reverse order.
func (s *Session) release(ctx context.Context) error {
	var errs []error
	if s.surface != nil {
		errs = append(errs, errors.Wrap(s.surface.Close(), "closing preview"))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.source != nil {
		errs = append(errs, errors.Wrap(s.source.Close(ctx), "closing source"))
	}
	return multierr.Combine(errs...)
}
