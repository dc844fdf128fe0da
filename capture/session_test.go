package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/components/camera/fake"
	"go.viam.com/depthcapture/dump"
	"go.viam.com/depthcapture/framestore"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/preview"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

const (
	testFPS    = 30
	testPeriod = time.Second / testFPS
)

var smallSensor = camera.Attributes{
	"depth_width": 64, "depth_height": 48,
	"color_width": 80, "color_height": 60,
}

// hookedSource is a fake source that calls hook before each depth update with the number of
// depth updates made so far.
type hookedSource struct {
	*fake.Source
	hook func(n int)

	mu     sync.Mutex
	n      int
	closed bool
}

func (h *hookedSource) UpdateDepth(ctx context.Context, dst *rimage.DepthMap) error {
	h.mu.Lock()
	n := h.n
	h.n++
	h.mu.Unlock()
	if h.hook != nil {
		h.hook(n)
	}
	return h.Source.UpdateDepth(ctx, dst)
}

func (h *hookedSource) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.Source.Close(ctx)
}

func (h *hookedSource) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// registerHooked registers a model named after the test that opens a hookedSource.
func registerHooked(t *testing.T, hook func(n int)) (string, **hookedSource) {
	t.Helper()
	var src *hookedSource
	model := "hooked-" + t.Name()
	camera.RegisterModel(model, func(ctx context.Context, attrs camera.Attributes, logger logging.Logger) (camera.Source, error) {
		var conf fake.Config
		if err := camera.DecodeAttributes(attrs, &conf); err != nil {
			return nil, err
		}
		f, err := fake.NewSource(conf, logger)
		if err != nil {
			return nil, err
		}
		src = &hookedSource{Source: f, hook: hook}
		return src, nil
	})
	return model, &src
}

// onTime advances the mock clock by one period per tick so every tick lands exactly on its
// deadline.
func onTime(mock *clock.Mock) func(int) {
	return func(int) { mock.Add(testPeriod) }
}

// recordingSurface keeps a copy of every upload.
type recordingSurface struct {
	mu      sync.Mutex
	uploads [][]byte
	fail    bool
	closed  bool
}

func (r *recordingSurface) Upload(img *rimage.ColorImage) error {
	if r.fail {
		return errors.New("display lost")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, append([]byte(nil), img.Data()...))
	return nil
}

func (r *recordingSurface) Close() error {
	r.closed = true
	return nil
}

func options(t *testing.T, model string, mock clock.Clock) Options {
	return Options{
		Model:      model,
		Attributes: smallSensor,
		DumpPath:   filepath.Join(t.TempDir(), "capture"+dump.FileExt),
		FPS:        testFPS,
		Clock:      mock,
	}
}

func expectedDepth(n int) *rimage.DepthMap {
	dm := rimage.NewEmptyDepthMap(64, 48)
	fake.FillDepth(dm, n)
	return dm
}

func expectedColor(n int) *rimage.ColorImage {
	ci := rimage.NewEmptyColorImage(80, 60)
	fake.FillColor(ci, n)
	return ci
}

func TestSessionCapture(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	model, src := registerHooked(t, onTime(mock))
	opts := options(t, model, mock)
	opts.MaxFrames = 5
	opts.CompressionLevel = 3

	sess, err := NewSession(ctx, opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sess.State(), test.ShouldEqual, Running)
	test.That(t, sess.View(), test.ShouldEqual, DepthPreview)

	test.That(t, sess.Run(ctx), test.ShouldBeNil)
	stats := sess.Stats()
	test.That(t, stats.Frames, test.ShouldEqual, 5)
	test.That(t, stats.Overruns, test.ShouldEqual, 0)
	test.That(t, stats.Duration, test.ShouldEqual, 5*testPeriod)
	test.That(t, stats.Bytes, test.ShouldBeGreaterThan, int64(0))

	test.That(t, sess.Close(ctx), test.ShouldBeNil)
	test.That(t, sess.State(), test.ShouldEqual, Closed)
	test.That(t, (*src).isClosed(), test.ShouldBeTrue)
	test.That(t, sess.Close(ctx), test.ShouldBeNil)

	r, err := framestore.Open(opts.DumpPath)
	test.That(t, err, test.ShouldBeNil)
	defer r.Close()
	test.That(t, r.CompressionLevel(), test.ShouldEqual, 3)
	depth, color := r.ReadMetadata()
	test.That(t, depth.Width, test.ShouldEqual, uint(64))
	test.That(t, color.Height, test.ShouldEqual, uint(60))
	test.That(t, depth.FocalX, test.ShouldAlmostEqual, float32(570.3422*64/640), 1e-3)
	test.That(t, r.NumFrames(), test.ShouldEqual, 5)
	for i := 0; i < 5; i++ {
		dm, ci, err := r.ReadFrame(i)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dm.Data(), test.ShouldResemble, expectedDepth(i).Data())
		test.That(t, ci.Data(), test.ShouldResemble, expectedColor(i).Data())
	}

	err = sess.Run(ctx)
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
}

func TestSessionWaitsForDeadline(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	model, _ := registerHooked(t, nil)
	opts := options(t, model, mock)
	opts.MaxFrames = 2

	sess, err := NewSession(ctx, opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer sess.Close(ctx)

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(ctx)
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, sess.Stats().Frames, test.ShouldEqual, 1)
	})
	mock.Add(testPeriod / 2)
	select {
	case <-done:
		t.Fatal("second frame captured before its deadline")
	case <-time.After(20 * time.Millisecond):
	}
	test.That(t, sess.Stats().Frames, test.ShouldEqual, 1)

	mock.Add(testPeriod / 2)
	test.That(t, <-done, test.ShouldBeNil)
	test.That(t, sess.Stats().Frames, test.ShouldEqual, 2)
}

func TestSessionOverrunCatchesUp(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	model, _ := registerHooked(t, func(n int) {
		if n == 0 {
			mock.Add(testPeriod*2 + testPeriod/2)
		}
	})
	opts := options(t, model, mock)
	opts.MaxFrames = 3

	sess, err := NewSession(ctx, opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// ticks 1 and 2 are already due when tick 0 ends, so no clock advance is needed
	test.That(t, sess.Run(ctx), test.ShouldBeNil)
	stats := sess.Stats()
	test.That(t, stats.Frames, test.ShouldEqual, 3)
	test.That(t, stats.Overruns, test.ShouldEqual, 2)
	test.That(t, sess.Close(ctx), test.ShouldBeNil)

	r, err := framestore.Open(opts.DumpPath)
	test.That(t, err, test.ShouldBeNil)
	defer r.Close()
	test.That(t, r.NumFrames(), test.ShouldEqual, 3)
	for i := 0; i < 3; i++ {
		dm, _, err := r.ReadFrame(i)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dm.Data(), test.ShouldResemble, expectedDepth(i).Data())
	}
}

func TestSessionEventsBetweenTicks(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	var sess *Session
	model, _ := registerHooked(t, func(n int) {
		mock.Add(testPeriod)
		switch n {
		case 2:
			sess.Events() <- ToggleView(ColorPreview)
		case 4:
			sess.Events() <- ToggleView(DepthPreview)
			sess.Events() <- Quit()
		}
	})
	surface := &recordingSurface{}
	opts := options(t, model, mock)
	opts.Surface = func(width, height int) (preview.Surface, error) {
		test.That(t, width, test.ShouldEqual, 80)
		test.That(t, height, test.ShouldEqual, 60)
		return surface, nil
	}

	var err error
	sess, err = NewSession(ctx, opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sess.Run(ctx), test.ShouldBeNil)
	test.That(t, sess.Stats().Frames, test.ShouldEqual, 5)
	test.That(t, sess.View(), test.ShouldEqual, DepthPreview)
	test.That(t, sess.Close(ctx), test.ShouldBeNil)
	test.That(t, surface.closed, test.ShouldBeTrue)

	test.That(t, surface.uploads, test.ShouldHaveLength, 5)
	for i, upload := range surface.uploads {
		if i == 3 || i == 4 {
			test.That(t, upload, test.ShouldResemble, expectedColor(i).Data())
			continue
		}
		want, err := expectedDepth(i).ToPrettyPicture(rimage.DefaultMinDepth, rimage.DefaultMaxDepth)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, upload, test.ShouldResemble, want.Data())
	}
}

func TestSessionDepthFailure(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	model, src := registerHooked(t, onTime(mock))
	opts := options(t, model, mock)
	opts.Attributes = camera.Attributes{"depth_width": 64, "depth_height": 48, "fail_depth_after": 3}

	sess, err := NewSession(ctx, opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	err = sess.Run(ctx)
	test.That(t, errors.Is(err, utils.ErrAcquisition), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "frame 3")
	test.That(t, sess.Stats().Frames, test.ShouldEqual, 3)
	test.That(t, sess.Close(ctx), test.ShouldBeNil)
	test.That(t, (*src).isClosed(), test.ShouldBeTrue)

	r, err := framestore.Open(opts.DumpPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Recovered(), test.ShouldBeFalse)
	test.That(t, r.NumFrames(), test.ShouldEqual, 3)
	test.That(t, r.Close(), test.ShouldBeNil)

	d, err := dump.Open(opts.DumpPath)
	test.That(t, err, test.ShouldBeNil)
	defer d.Close()
	test.That(t, d.GroupsWithPrefix("FRAME"), test.ShouldResemble,
		[]string{framestore.FrameGroup(0), framestore.FrameGroup(1), framestore.FrameGroup(2)})
	test.That(t, d.HasGroup(framestore.FrameGroup(3)), test.ShouldBeFalse)
}

func TestOptionsDepthRange(t *testing.T) {
	for _, tc := range []struct {
		min, max uint16
		lo, hi   uint16
	}{
		{0, 0, rimage.DefaultMinDepth, rimage.DefaultMaxDepth},
		{0, 500, 0, 500},
		{300, 0, 300, rimage.DefaultMaxDepth},
		{300, 4000, 300, 4000},
	} {
		opts := Options{MinDepth: tc.min, MaxDepth: tc.max}
		lo, hi := opts.depthRange()
		test.That(t, lo, test.ShouldEqual, tc.lo)
		test.That(t, hi, test.ShouldEqual, tc.hi)
	}
}

func TestSessionContextCancel(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model, _ := registerHooked(t, func(n int) {
		mock.Add(testPeriod)
		if n == 1 {
			cancel()
		}
	})
	opts := options(t, model, mock)
	opts.Attributes = camera.Attributes{"depth_width": 64, "depth_height": 48, "latency": "1ms"}

	sess, err := NewSession(context.Background(), opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer sess.Close(context.Background())
	test.That(t, sess.Run(ctx), test.ShouldBeNil)
	test.That(t, sess.Stats().Frames, test.ShouldEqual, 2)
}

func TestSessionPreviewFailureKeepsCapturing(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	model, _ := registerHooked(t, onTime(mock))
	opts := options(t, model, mock)
	opts.MaxFrames = 4
	opts.Surface = func(width, height int) (preview.Surface, error) {
		return &recordingSurface{fail: true}, nil
	}
	logger, logs := logging.NewObservedTestLogger(t)

	sess, err := NewSession(ctx, opts, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sess.Run(ctx), test.ShouldBeNil)
	test.That(t, sess.Stats().Frames, test.ShouldEqual, 4)
	test.That(t, sess.Close(ctx), test.ShouldBeNil)
	test.That(t, logs.FilterMessage("preview failed").Len(), test.ShouldEqual, 4)
}

func TestNewSessionFailures(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	t.Run("invalid compression level", func(t *testing.T) {
		model, src := registerHooked(t, nil)
		opts := options(t, model, nil)
		opts.CompressionLevel = 10
		_, err := NewSession(ctx, opts, logger)
		test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
		test.That(t, *src, test.ShouldBeNil)
		_, err = os.Stat(opts.DumpPath)
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	})

	t.Run("inverted depth range", func(t *testing.T) {
		opts := options(t, fake.Model, nil)
		opts.MinDepth = 9000
		_, err := NewSession(ctx, opts, logger)
		test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
	})

	t.Run("unknown model", func(t *testing.T) {
		opts := options(t, "kinect9000", nil)
		_, err := NewSession(ctx, opts, logger)
		test.That(t, errors.Is(err, utils.ErrDeviceUnavailable), test.ShouldBeTrue)
		_, err = os.Stat(opts.DumpPath)
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	})

	t.Run("unwritable dump", func(t *testing.T) {
		model, src := registerHooked(t, nil)
		opts := options(t, model, nil)
		opts.DumpPath = filepath.Join(t.TempDir(), "missing", "capture"+dump.FileExt)
		_, err := NewSession(ctx, opts, logger)
		test.That(t, errors.Is(err, utils.ErrStorage), test.ShouldBeTrue)
		test.That(t, (*src).isClosed(), test.ShouldBeTrue)
	})

	t.Run("surface failure", func(t *testing.T) {
		model, src := registerHooked(t, nil)
		opts := options(t, model, nil)
		opts.Surface = func(width, height int) (preview.Surface, error) {
			return nil, errors.New("no display")
		}
		_, err := NewSession(ctx, opts, logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, (*src).isClosed(), test.ShouldBeTrue)

		r, err := framestore.Open(opts.DumpPath)
		test.That(t, err, test.ShouldBeNil)
		defer r.Close()
		test.That(t, r.Recovered(), test.ShouldBeFalse)
		test.That(t, r.NumFrames(), test.ShouldEqual, 0)
	})
}

func TestEventForKey(t *testing.T) {
	for key, want := range map[byte]Event{
		'1': ToggleView(DepthPreview),
		'2': ToggleView(ColorPreview),
		27:  Quit(),
		'q': Quit(),
	} {
		got, ok := EventForKey(key)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, got, test.ShouldResemble, want)
	}
	_, ok := EventForKey('x')
	test.That(t, ok, test.ShouldBeFalse)
}

func TestReadKeys(t *testing.T) {
	events := make(chan Event, 8)
	err := ReadKeys(context.Background(), strings.NewReader("2x1\x1b2"), events)
	test.That(t, err, test.ShouldBeNil)
	close(events)
	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	test.That(t, got, test.ShouldResemble, []Event{ToggleView(ColorPreview), ToggleView(DepthPreview), Quit()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ReadKeys(ctx, strings.NewReader("1"), make(chan Event))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}
