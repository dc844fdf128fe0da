package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/components/camera/fake"
	"go.viam.com/depthcapture/dump"
	"go.viam.com/depthcapture/framestore"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

var (
	depthDesc = camera.StreamDescriptor{Width: 16, Height: 12, FocalX: 14.2, FocalY: 14.2}
	colorDesc = camera.StreamDescriptor{Width: 20, Height: 10, FocalX: 16.4, FocalY: 10.9}
)

func writeDump(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay"+dump.FileExt)
	w, err := framestore.Create(path, 1, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.WriteMetadata(depthDesc, colorDesc), test.ShouldBeNil)
	for i := 0; i < frames; i++ {
		depth := rimage.NewEmptyDepthMap(int(depthDesc.Width), int(depthDesc.Height))
		color := rimage.NewEmptyColorImage(int(colorDesc.Width), int(colorDesc.Height))
		fake.FillDepth(depth, i)
		fake.FillColor(color, i)
		test.That(t, w.WriteFrame(i, depth, color), test.ShouldBeNil)
	}
	test.That(t, w.Close(), test.ShouldBeNil)
	return path
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	path := writeDump(t, 3)
	src, err := camera.Open(ctx, Model, camera.Attributes{"path": path}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	depth, color, err := camera.Descriptors(src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, depth, test.ShouldResemble, depthDesc)
	test.That(t, color, test.ShouldResemble, colorDesc)

	dm := rimage.NewEmptyDepthMap(int(depth.Width), int(depth.Height))
	ci := rimage.NewEmptyColorImage(int(color.Width), int(color.Height))
	want := rimage.NewEmptyDepthMap(int(depth.Width), int(depth.Height))
	wantColor := rimage.NewEmptyColorImage(int(color.Width), int(color.Height))
	for i := 0; i < 3; i++ {
		fake.FillDepth(want, i)
		fake.FillColor(wantColor, i)
		test.That(t, src.UpdateDepth(ctx, dm), test.ShouldBeNil)
		test.That(t, src.UpdateColor(ctx, ci), test.ShouldBeNil)
		test.That(t, dm.Data(), test.ShouldResemble, want.Data())
		test.That(t, ci.Data(), test.ShouldResemble, wantColor.Data())
	}

	err = src.UpdateDepth(ctx, dm)
	test.That(t, errors.Is(err, utils.ErrAcquisition), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrEndOfDump), test.ShouldBeTrue)
	test.That(t, dm.Data(), test.ShouldResemble, want.Data())

	err = src.UpdateColor(ctx, rimage.NewEmptyColorImage(4, 4))
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)

	test.That(t, src.Close(ctx), test.ShouldBeNil)
	test.That(t, src.Close(ctx), test.ShouldBeNil)
	err = src.UpdateColor(ctx, ci)
	test.That(t, errors.Is(err, utils.ErrAcquisition), test.ShouldBeTrue)
}

func TestReplayLoop(t *testing.T) {
	ctx := context.Background()
	src, err := NewSource(Config{Path: writeDump(t, 2), Loop: true}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer src.Close(ctx)

	dm := rimage.NewEmptyDepthMap(int(depthDesc.Width), int(depthDesc.Height))
	want := rimage.NewEmptyDepthMap(int(depthDesc.Width), int(depthDesc.Height))
	for i := 0; i < 5; i++ {
		test.That(t, src.UpdateDepth(ctx, dm), test.ShouldBeNil)
		fake.FillDepth(want, i%2)
		test.That(t, dm.Data(), test.ShouldResemble, want.Data())
	}
}

func TestReplayOpenErrors(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	_, err := camera.Open(ctx, Model, camera.Attributes{}, logger)
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)

	_, err = camera.Open(ctx, Model, camera.Attributes{"path": filepath.Join(t.TempDir(), "absent.dump")}, logger)
	test.That(t, errors.Is(err, utils.ErrDeviceUnavailable), test.ShouldBeTrue)

	_, err = NewSource(Config{Path: writeDump(t, 0)}, logger)
	test.That(t, errors.Is(err, utils.ErrDeviceUnavailable), test.ShouldBeTrue)
}
