package framestore

import (
	"fmt"

	"github.com/pkg/errors"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/dump"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// Writer appends frames to a new dump file.
type Writer struct {
	dump   *dump.Writer
	logger logging.Logger

	depth, color camera.StreamDescriptor
	hasMetadata  bool
	next         int
}

// Create creates the dump at path with the given compression level.
func Create(path string, level int, logger logging.Logger) (*Writer, error) {
	w, err := dump.Create(path, level, logger)
	if err != nil {
		return nil, err
	}
	return &Writer{dump: w, logger: logger}, nil
}

// WriteMetadata records the geometry and focal lengths of both streams. It must be called
// exactly once, before the first frame.
func (w *Writer) WriteMetadata(depth, color camera.StreamDescriptor) error {
	if w.hasMetadata {
		return utils.NewInvalidArgumentError("metadata of %s already written", w.dump.Path())
	}
	for _, kind := range camera.StreamKinds {
		desc := depth
		if kind == camera.ColorStream {
			desc = color
		}
		if desc.Pixels() == 0 {
			return utils.NewInvalidArgumentError("%s stream has empty geometry %dx%d", kind, desc.Width, desc.Height)
		}
		group := sensorGroup(kind)
		scalars := []struct {
			name  string
			value dump.Scalar
		}{
			{WidthName, dump.Int32Scalar(int32(desc.Width))},
			{HeightName, dump.Int32Scalar(int32(desc.Height))},
			{FocalXName, dump.Float32Scalar(desc.FocalX)},
			{FocalYName, dump.Float32Scalar(desc.FocalY)},
		}
		for _, s := range scalars {
			if err := w.dump.WriteScalar(group, s.name, s.value); err != nil {
				return errors.Wrapf(err, "writing %s metadata", kind)
			}
		}
	}
	w.depth, w.color = depth, color
	w.hasMetadata = true
	w.logger.Debugw("wrote stream metadata",
		"depth", fmt.Sprintf("%dx%d", depth.Width, depth.Height),
		"color", fmt.Sprintf("%dx%d", color.Width, color.Height))
	return nil
}

// NextIndex returns the index the next frame has to carry.
func (w *Writer) NextIndex() int {
	return w.next
}

// WriteFrame commits one depth and color pair as frame index. index must be the next index in
// sequence and both buffers must match the recorded metadata.
func (w *Writer) WriteFrame(index int, depth *rimage.DepthMap, color *rimage.ColorImage) error {
	if !w.hasMetadata {
		return utils.NewInvalidArgumentError("frame %d written before metadata", index)
	}
	if index != w.next {
		return utils.NewInvalidArgumentError("frame index %d out of sequence, expected %d", index, w.next)
	}
	if err := camera.CheckBuffer(camera.DepthStream, w.depth, depth.Width(), depth.Height()); err != nil {
		return err
	}
	if err := camera.CheckBuffer(camera.ColorStream, w.color, color.Width(), color.Height()); err != nil {
		return err
	}

	group := FrameGroup(index)
	txn := w.dump.Begin()
	if err := txn.CreateGroup(group); err != nil {
		txn.Discard()
		return err
	}
	if err := txn.WriteDataset(group, DepthName, dump.TypeUint16, depthDims(w.depth), dump.Uint16Bytes(depth.Data())); err != nil {
		txn.Discard()
		return err
	}
	if err := txn.WriteDataset(group, ColorName, dump.TypeUint8, colorDims(w.color), color.Data()); err != nil {
		txn.Discard()
		return err
	}
	if err := txn.Commit(); err != nil {
		return errors.Wrapf(err, "committing frame %d", index)
	}
	w.next++
	return nil
}

// Path returns the path of the dump.
func (w *Writer) Path() string {
	return w.dump.Path()
}

// Size returns the number of bytes committed so far.
func (w *Writer) Size() int64 {
	return w.dump.Size()
}

// Close finalizes the dump. It may be called more than once.
func (w *Writer) Close() error {
	return w.dump.Close()
}
