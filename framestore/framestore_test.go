package framestore

import (
	"errors"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/components/camera/fake"
	"go.viam.com/depthcapture/dump"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

var (
	depthDesc = camera.StreamDescriptor{Width: 32, Height: 24, FocalX: 28.51711, FocalY: 28.51711}
	colorDesc = camera.StreamDescriptor{Width: 40, Height: 30, FocalX: 32.8125, FocalY: 32.8125}
)

func newBuffers(n int) (*rimage.DepthMap, *rimage.ColorImage) {
	depth := rimage.NewEmptyDepthMap(int(depthDesc.Width), int(depthDesc.Height))
	color := rimage.NewEmptyColorImage(int(colorDesc.Width), int(colorDesc.Height))
	fake.FillDepth(depth, n)
	fake.FillColor(color, n)
	return depth, color
}

func TestFrameGroup(t *testing.T) {
	test.That(t, FrameGroup(0), test.ShouldEqual, "/FRAME000000")
	test.That(t, FrameGroup(42), test.ShouldEqual, "/FRAME000042")
	test.That(t, FrameGroup(1234567), test.ShouldEqual, "/FRAME1234567")
}

func TestWriteAndRead(t *testing.T) {
	for _, level := range []int{dump.NoCompression, 6} {
		path := filepath.Join(t.TempDir(), "capture"+dump.FileExt)
		w, err := Create(path, level, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, w.Path(), test.ShouldEqual, path)
		test.That(t, w.WriteMetadata(depthDesc, colorDesc), test.ShouldBeNil)

		const frames = 5
		for i := 0; i < frames; i++ {
			test.That(t, w.NextIndex(), test.ShouldEqual, i)
			depth, color := newBuffers(i)
			test.That(t, w.WriteFrame(i, depth, color), test.ShouldBeNil)
		}
		test.That(t, w.Size(), test.ShouldBeGreaterThan, int64(0))
		test.That(t, w.Close(), test.ShouldBeNil)

		r, err := Open(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, r.Recovered(), test.ShouldBeFalse)
		test.That(t, r.CompressionLevel(), test.ShouldEqual, level)
		gotDepth, gotColor := r.ReadMetadata()
		test.That(t, gotDepth, test.ShouldResemble, depthDesc)
		test.That(t, gotColor, test.ShouldResemble, colorDesc)
		test.That(t, r.NumFrames(), test.ShouldEqual, frames)

		for i := 0; i < frames; i++ {
			wantDepth, wantColor := newBuffers(i)
			depth, color, err := r.ReadFrame(i)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, depth.Data(), test.ShouldResemble, wantDepth.Data())
			test.That(t, color.Data(), test.ShouldResemble, wantColor.Data())
		}
		_, _, err = r.ReadFrame(frames)
		test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
		_, _, err = r.ReadFrame(-1)
		test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
		test.That(t, r.Close(), test.ShouldBeNil)
	}
}

func TestDepthStoredUnclamped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw"+dump.FileExt)
	w, err := Create(path, dump.NoCompression, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.WriteMetadata(depthDesc, colorDesc), test.ShouldBeNil)
	depth, color := newBuffers(0)
	depth.Set(0, 0, 0)
	depth.Set(1, 0, 1)
	depth.Set(2, 0, 65535)
	test.That(t, w.WriteFrame(0, depth, color), test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)

	r, err := Open(path)
	test.That(t, err, test.ShouldBeNil)
	defer r.Close()
	got, _, err := r.ReadFrame(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.GetDepth(0, 0), test.ShouldEqual, uint16(0))
	test.That(t, got.GetDepth(1, 0), test.ShouldEqual, uint16(1))
	test.That(t, got.GetDepth(2, 0), test.ShouldEqual, uint16(65535))
}

func TestWriterOrdering(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "order"+dump.FileExt), dump.NoCompression, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer w.Close()
	depth, color := newBuffers(0)

	err = w.WriteFrame(0, depth, color)
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)

	err = w.WriteMetadata(camera.StreamDescriptor{Width: 0, Height: 24}, colorDesc)
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)

	test.That(t, w.WriteMetadata(depthDesc, colorDesc), test.ShouldBeNil)
	err = w.WriteMetadata(depthDesc, colorDesc)
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)

	err = w.WriteFrame(1, depth, color)
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
	test.That(t, w.WriteFrame(0, depth, color), test.ShouldBeNil)
	err = w.WriteFrame(0, depth, color)
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)

	err = w.WriteFrame(1, rimage.NewEmptyDepthMap(8, 8), color)
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
	err = w.WriteFrame(1, depth, rimage.NewEmptyColorImage(8, 8))
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
	test.That(t, w.NextIndex(), test.ShouldEqual, 1)
	test.That(t, w.WriteFrame(1, depth, color), test.ShouldBeNil)
}

func TestOpenWithoutMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty"+dump.FileExt)
	w, err := Create(path, dump.NoCompression, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)

	_, err = Open(path)
	test.That(t, errors.Is(err, utils.ErrStorage), test.ShouldBeTrue)
}

func TestReadFrameIntoMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mismatch"+dump.FileExt)
	w, err := Create(path, dump.NoCompression, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.WriteMetadata(depthDesc, colorDesc), test.ShouldBeNil)
	depth, color := newBuffers(3)
	test.That(t, w.WriteFrame(0, depth, color), test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)

	r, err := Open(path)
	test.That(t, err, test.ShouldBeNil)
	defer r.Close()

	small := rimage.NewEmptyDepthMap(4, 4)
	err = r.ReadFrameInto(0, small, color)
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)
	test.That(t, small.Data(), test.ShouldResemble, make([]uint16, 16))

	gotDepth, gotColor := newBuffers(0)
	test.That(t, r.ReadFrameInto(0, gotDepth, gotColor), test.ShouldBeNil)
	test.That(t, gotDepth.Data(), test.ShouldResemble, depth.Data())
	test.That(t, gotColor.Data(), test.ShouldResemble, color.Data())
}
