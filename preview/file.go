package preview

import (
	"bufio"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"github.com/xfmoulet/qoi"
	"go.uber.org/multierr"

	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// FileOptions configure a FileSurface.
type FileOptions struct {
	// Every writes a snapshot after every Every-th upload. Values below one mean every upload.
	Every int
	// Scale resizes snapshots. Zero or one keeps the canvas size.
	Scale float64
}

// FileSurface periodically writes the canvas to an image file so a preview can be watched with
// any image viewer. The format follows the extension: .ppm, .qoi, or anything imaging can encode.
type FileSurface struct {
	logger  logging.Logger
	path    string
	encode  encodeFunc
	opts    FileOptions
	canvas  *Canvas
	uploads int
}

// NewFileSurface returns a surface snapshotting a width x height canvas to path.
func NewFileSurface(path string, width, height int, opts FileOptions, logger logging.Logger) (*FileSurface, error) {
	encode, err := encoderFor(path)
	if err != nil {
		return nil, utils.Classify(utils.ErrInvalidArgument, errors.Wrapf(err, "preview file %s", path))
	}
	if opts.Scale < 0 {
		return nil, utils.NewInvalidArgumentError("preview scale cannot be negative, got %v", opts.Scale)
	}
	if opts.Every < 1 {
		opts.Every = 1
	}
	return &FileSurface{logger: logger, path: path, encode: encode, opts: opts, canvas: NewCanvas(width, height)}, nil
}

type encodeFunc func(w io.Writer, img image.Image) error

func encoderFor(path string) (encodeFunc, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ppm":
		return ppm.Encode, nil
	case ".qoi":
		return qoi.Encode, nil
	}
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return nil, err
	}
	return func(w io.Writer, img image.Image) error {
		return imaging.Encode(w, img, format)
	}, nil
}

// Path returns the snapshot path.
func (s *FileSurface) Path() string {
	return s.path
}

// Upload copies img onto the canvas and writes a snapshot when one is due.
func (s *FileSurface) Upload(img *rimage.ColorImage) error {
	if err := s.canvas.Upload(img); err != nil {
		return err
	}
	s.uploads++
	if (s.uploads-1)%s.opts.Every != 0 {
		return nil
	}
	return s.Snapshot()
}

// Snapshot writes the current canvas. The file is replaced atomically so a viewer never sees a
// partial image.
func (s *FileSurface) Snapshot() error {
	var img image.Image = s.canvas.Image()
	if s.opts.Scale > 0 && s.opts.Scale != 1 {
		w := int(float64(s.canvas.Width()) * s.opts.Scale)
		h := int(float64(s.canvas.Height()) * s.opts.Scale)
		if w < 1 || h < 1 {
			return utils.NewInvalidArgumentError("preview scale %v leaves no pixels", s.opts.Scale)
		}
		img = imaging.Resize(img, w, h, imaging.Linear)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return errors.Wrap(err, "creating preview snapshot")
	}
	bw := bufio.NewWriter(tmp)
	err = s.encode(bw, img)
	if err == nil {
		err = bw.Flush()
	}
	if err = multierr.Combine(err, tmp.Close()); err != nil {
		return multierr.Combine(errors.Wrapf(err, "writing preview %s", s.path), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return multierr.Combine(errors.Wrapf(err, "replacing preview %s", s.path), os.Remove(tmp.Name()))
	}
	return nil
}

// Close writes a final snapshot.
func (s *FileSurface) Close() error {
	if s.uploads == 0 {
		return nil
	}
	err := s.Snapshot()
	if err == nil {
		s.logger.Debugw("preview written", "path", s.path, "uploads", s.uploads)
	}
	return err
}
