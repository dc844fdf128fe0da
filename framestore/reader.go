package framestore

import (
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/dump"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// Reader reads frames back out of a dump written by Writer.
type Reader struct {
	dump         *dump.Reader
	depth, color camera.StreamDescriptor
	frames       int
}

// Open opens the dump at path and loads its metadata. Frames are counted from zero up to the
// first index that is missing or incomplete.
func Open(path string) (*Reader, error) {
	d, err := dump.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{dump: d}
	if r.depth, err = readDescriptor(d, camera.DepthStream); err != nil {
		return nil, multierr.Combine(err, d.Close())
	}
	if r.color, err = readDescriptor(d, camera.ColorStream); err != nil {
		return nil, multierr.Combine(err, d.Close())
	}
	for {
		children := d.Children(FrameGroup(r.frames))
		if !slices.Contains(children, DepthName) || !slices.Contains(children, ColorName) {
			break
		}
		r.frames++
	}
	return r, nil
}

func readDescriptor(d *dump.Reader, kind camera.StreamKind) (camera.StreamDescriptor, error) {
	var desc camera.StreamDescriptor
	group := sensorGroup(kind)
	var ints [2]int32
	for i, name := range []string{WidthName, HeightName} {
		s, err := d.Scalar(group, name)
		if err == nil {
			ints[i], err = s.Int32()
		}
		if err != nil {
			return desc, errors.Wrapf(utils.Classify(utils.ErrStorage, err), "reading %s metadata", kind)
		}
		if ints[i] <= 0 {
			return desc, utils.NewStorageError("%s metadata has non-positive %s %d", kind, name, ints[i])
		}
	}
	var floats [2]float32
	for i, name := range []string{FocalXName, FocalYName} {
		s, err := d.Scalar(group, name)
		if err == nil {
			floats[i], err = s.Float32()
		}
		if err != nil {
			return desc, errors.Wrapf(utils.Classify(utils.ErrStorage, err), "reading %s metadata", kind)
		}
	}
	return camera.StreamDescriptor{
		Width:  uint(ints[0]),
		Height: uint(ints[1]),
		FocalX: floats[0],
		FocalY: floats[1],
	}, nil
}

// ReadMetadata returns the depth and color descriptors recorded in the dump.
func (r *Reader) ReadMetadata() (depth, color camera.StreamDescriptor) {
	return r.depth, r.color
}

// NumFrames returns the number of complete frames.
func (r *Reader) NumFrames() int {
	return r.frames
}

// CompressionLevel returns the compression level the dump was written with.
func (r *Reader) CompressionLevel() int {
	return r.dump.CompressionLevel()
}

// Recovered reports whether the dump was not closed cleanly.
func (r *Reader) Recovered() bool {
	return r.dump.Recovered()
}

// Size returns the file size in bytes.
func (r *Reader) Size() int64 {
	return r.dump.Size()
}

// ReadFrame returns frame index in newly allocated buffers.
func (r *Reader) ReadFrame(index int) (*rimage.DepthMap, *rimage.ColorImage, error) {
	depth := rimage.NewEmptyDepthMap(int(r.depth.Width), int(r.depth.Height))
	color := rimage.NewEmptyColorImage(int(r.color.Width), int(r.color.Height))
	if err := r.ReadFrameInto(index, depth, color); err != nil {
		return nil, nil, err
	}
	return depth, color, nil
}

// ReadFrameInto reads frame index into the given buffers, which must match the metadata. The
// buffers are only modified if the whole frame reads back intact.
func (r *Reader) ReadFrameInto(index int, depth *rimage.DepthMap, color *rimage.ColorImage) error {
	if index < 0 || index >= r.frames {
		return utils.NewInvalidArgumentError("frame %d out of range [0, %d)", index, r.frames)
	}
	if err := camera.CheckBuffer(camera.DepthStream, r.depth, depth.Width(), depth.Height()); err != nil {
		return err
	}
	if err := camera.CheckBuffer(camera.ColorStream, r.color, color.Width(), color.Height()); err != nil {
		return err
	}

	group := FrameGroup(index)
	depthSet, err := r.readDataset(group, DepthName, dump.TypeUint16, depthDims(r.depth))
	if err != nil {
		return err
	}
	colorSet, err := r.readDataset(group, ColorName, dump.TypeUint8, colorDims(r.color))
	if err != nil {
		return err
	}
	if err := dump.BytesToUint16(depthSet.Data, depth.Data()); err != nil {
		return err
	}
	copy(color.Data(), colorSet.Data)
	return nil
}

// ReadDepthInto reads only the depth image of frame index into dst.
func (r *Reader) ReadDepthInto(index int, dst *rimage.DepthMap) error {
	if index < 0 || index >= r.frames {
		return utils.NewInvalidArgumentError("frame %d out of range [0, %d)", index, r.frames)
	}
	if err := camera.CheckBuffer(camera.DepthStream, r.depth, dst.Width(), dst.Height()); err != nil {
		return err
	}
	ds, err := r.readDataset(FrameGroup(index), DepthName, dump.TypeUint16, depthDims(r.depth))
	if err != nil {
		return err
	}
	return dump.BytesToUint16(ds.Data, dst.Data())
}

// ReadColorInto reads only the color image of frame index into dst.
func (r *Reader) ReadColorInto(index int, dst *rimage.ColorImage) error {
	if index < 0 || index >= r.frames {
		return utils.NewInvalidArgumentError("frame %d out of range [0, %d)", index, r.frames)
	}
	if err := camera.CheckBuffer(camera.ColorStream, r.color, dst.Width(), dst.Height()); err != nil {
		return err
	}
	ds, err := r.readDataset(FrameGroup(index), ColorName, dump.TypeUint8, colorDims(r.color))
	if err != nil {
		return err
	}
	copy(dst.Data(), ds.Data)
	return nil
}

func (r *Reader) readDataset(group, name string, etype dump.ElementType, dims []uint64) (*dump.Dataset, error) {
	ds, err := r.dump.Dataset(group, name)
	if err != nil {
		return nil, err
	}
	if ds.Type != etype || !slices.Equal(ds.Dims, dims) {
		return nil, utils.NewStorageError("%s/%s is %s %v, expected %s %v", group, name, ds.Type, ds.Dims, etype, dims)
	}
	return ds, nil
}

// Close closes the dump.
func (r *Reader) Close() error {
	return r.dump.Close()
}
