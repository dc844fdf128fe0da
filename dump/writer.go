package dump

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/encoding/protowire"

	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/utils"
)

// fileHandle is the part of *os.File a Writer needs.
type fileHandle interface {
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Writer appends committed transactions to a dump file.
type Writer struct {
	path   string
	level  int
	logger logging.Logger

	mu        sync.Mutex
	file      fileHandle
	committed int64
	objects   map[string]recordKind
	index     []entry
	closed    bool
}

// Create creates or truncates the dump at path and writes its header. The compression level is
// validated before the file system is touched.
func Create(path string, level int, logger logging.Logger) (*Writer, error) {
	if err := ValidateCompressionLevel(level); err != nil {
		return nil, err
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(utils.Classify(utils.ErrStorage, err), "creating dump %s", path)
	}
	w, err := newWriter(path, f, level, logger)
	if err != nil {
		return nil, multierr.Combine(err, f.Close())
	}
	return w, nil
}

func newWriter(path string, f fileHandle, level int, logger logging.Logger) (*Writer, error) {
	header := []byte(fileMagic)
	header = protowire.AppendVarint(header, formatVersion)
	header = protowire.AppendVarint(header, uint64(level))
	if _, err := f.WriteAt(header, 0); err != nil {
		return nil, errors.Wrapf(utils.Classify(utils.ErrStorage, err), "writing header of %s", path)
	}
	logger.Debugw("dump created", "path", path, "compression", level)
	return &Writer{
		path:      path,
		level:     level,
		logger:    logger,
		file:      f,
		committed: int64(len(header)),
		objects:   map[string]recordKind{},
	}, nil
}

// Path returns the path the dump was created at.
func (w *Writer) Path() string {
	return w.path
}

// CompressionLevel returns the level datasets are deflated with.
func (w *Writer) CompressionLevel() int {
	return w.level
}

// Size returns the number of committed bytes.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// Exists reports whether a group, scalar or dataset at path (for example "/FRAME000001/DEPTH")
// has been committed.
func (w *Writer) Exists(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.objects[path]
	return ok
}

// Begin starts a transaction. Nothing it records is visible to readers until Commit succeeds.
func (w *Writer) Begin() *Txn {
	return &Txn{w: w, pending: map[string]recordKind{}}
}

// WriteScalar commits a single named scalar under group.
func (w *Writer) WriteScalar(group, name string, value Scalar) error {
	txn := w.Begin()
	if err := txn.WriteScalar(group, name, value); err != nil {
		return err
	}
	return txn.Commit()
}

// WriteDataset commits a single dataset under group.
func (w *Writer) WriteDataset(group, name string, etype ElementType, dims []uint64, data []byte) error {
	txn := w.Begin()
	if err := txn.WriteDataset(group, name, etype, dims, data); err != nil {
		return err
	}
	return txn.Commit()
}

// Close writes the index, syncs and closes the file. Calling it again is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.writeIndex(); err != nil {
		// The data is intact without an index; readers fall back to scanning.
		w.logger.Warnw("failed to write dump index", "path", w.path, "error", err)
		errs = append(errs, err)
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := multierr.Combine(errs...); err != nil {
		return errors.Wrapf(utils.Classify(utils.ErrStorage, err), "closing dump %s", w.path)
	}
	w.logger.Debugw("dump closed", "path", w.path, "bytes", w.committed, "objects", len(w.index))
	return nil
}

func (w *Writer) writeIndex() error {
	rec := record{kind: kindIndex, entries: w.index}
	buf := frame(nil, rec.marshal(nil))
	trailer := make([]byte, 0, trailerSize)
	trailer = binary.LittleEndian.AppendUint64(trailer, uint64(w.committed))
	trailer = append(trailer, trailerMagic...)
	buf = append(buf, trailer...)
	if _, err := w.file.WriteAt(buf, w.committed); err != nil {
		return multierr.Combine(err, w.file.Truncate(w.committed))
	}
	return nil
}

// Txn collects records to be appended atomically.
type Txn struct {
	w       *Writer
	buf     bytes.Buffer
	entries []entry
	pending map[string]recordKind
	done    bool
}

func (t *Txn) exists(key string) (recordKind, bool) {
	if kind, ok := t.pending[key]; ok {
		return kind, true
	}
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	kind, ok := t.w.objects[key]
	return kind, ok
}

func (t *Txn) add(rec *record) {
	start := int64(t.buf.Len())
	t.buf.Write(frame(nil, rec.marshal(nil)))
	e := entry{kind: rec.kind, group: rec.group, name: rec.name, offset: start, size: int64(t.buf.Len()) - start}
	t.entries = append(t.entries, e)
	t.pending[e.key()] = rec.kind
}

// ensureGroup records group and any missing ancestors.
func (t *Txn) ensureGroup(group string) error {
	for _, g := range parents(group) {
		kind, ok := t.exists(g)
		if !ok {
			t.add(&record{kind: kindGroup, group: g})
			continue
		}
		if kind != kindGroup {
			return utils.NewInvalidArgumentError("%s is a %s, not a group", g, kind)
		}
	}
	return nil
}

func (t *Txn) check() error {
	if t.done {
		return utils.NewInvalidArgumentError("transaction already committed or discarded")
	}
	return nil
}

// CreateGroup records a new group. It fails if the group already exists.
func (t *Txn) CreateGroup(group string) error {
	if err := t.check(); err != nil {
		return err
	}
	group, err := cleanGroup(group)
	if err != nil {
		return err
	}
	if group == "/" {
		return utils.NewInvalidArgumentError("the root group always exists")
	}
	if _, ok := t.exists(group); ok {
		return utils.NewInvalidArgumentError("%s already exists", group)
	}
	return t.ensureGroup(group)
}

func (t *Txn) checkNew(group, name string) (string, error) {
	if err := t.check(); err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	group, err := cleanGroup(group)
	if err != nil {
		return "", err
	}
	if _, ok := t.exists(joinPath(group, name)); ok {
		return "", utils.NewInvalidArgumentError("%s already exists", joinPath(group, name))
	}
	return group, t.ensureGroup(group)
}

// WriteScalar records a named scalar under group, creating the group if needed.
func (t *Txn) WriteScalar(group, name string, value Scalar) error {
	if value.Type.Size() == 0 || len(value.raw) != value.Type.Size() {
		return utils.NewInvalidArgumentError("scalar %s has no value", name)
	}
	group, err := t.checkNew(group, name)
	if err != nil {
		return err
	}
	t.add(&record{kind: kindScalar, group: group, name: name, etype: value.Type, data: value.raw})
	return nil
}

// WriteDataset records a dataset of the given dimensions under group, creating the group if
// needed. data holds the little-endian elements in row-major order and is deflated when the
// writer has a non-zero compression level.
func (t *Txn) WriteDataset(group, name string, etype ElementType, dims []uint64, data []byte) error {
	if etype.Size() == 0 {
		return utils.NewInvalidArgumentError("dataset %s has invalid element type %d", name, etype)
	}
	if len(dims) == 0 || elements(dims) == 0 {
		return utils.NewInvalidArgumentError("dataset %s must be non-empty, got dims %v", name, dims)
	}
	if want := elements(dims) * uint64(etype.Size()); uint64(len(data)) != want {
		return utils.NewInvalidArgumentError(
			"dataset %s has %d bytes but dims %v of %s need %d", name, len(data), dims, etype, want)
	}
	group, err := t.checkNew(group, name)
	if err != nil {
		return err
	}
	rec := &record{kind: kindDataset, group: group, name: name, etype: etype, dims: dims, data: data}
	if t.w.level > NoCompression {
		compressed, err := deflate(data, t.w.level)
		if err != nil {
			return errors.Wrapf(utils.Classify(utils.ErrStorage, err), "compressing %s", joinPath(group, name))
		}
		rec.data, rec.codec, rec.rawSize = compressed, CodecDeflate, uint64(len(data))
	}
	t.add(rec)
	return nil
}

// Discard drops everything recorded in the transaction.
func (t *Txn) Discard() {
	t.done = true
	t.buf.Reset()
}

// Commit appends the transaction and its commit record. If the write fails the file is
// truncated back to the previous commit and the error wraps utils.ErrStorage.
func (t *Txn) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	commit := record{kind: kindCommit}
	t.buf.Write(frame(nil, commit.marshal(nil)))

	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return utils.NewStorageError("dump %s is closed", w.path)
	}
	for key := range t.pending {
		if _, ok := w.objects[key]; ok && t.pending[key] != kindGroup {
			return utils.NewInvalidArgumentError("%s already exists", key)
		}
	}

	if _, err := w.file.WriteAt(t.buf.Bytes(), w.committed); err != nil {
		if truncErr := w.file.Truncate(w.committed); truncErr != nil {
			w.logger.Errorw("failed to roll back partial transaction", "path", w.path, "error", truncErr)
			err = multierr.Combine(err, truncErr)
		}
		return errors.Wrapf(utils.Classify(utils.ErrStorage, err), "appending to dump %s", w.path)
	}

	for _, e := range t.entries {
		e.offset += w.committed
		w.index = append(w.index, e)
		w.objects[e.key()] = e.kind
	}
	w.committed += int64(t.buf.Len())
	t.buf.Reset()
	return nil
}

func deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
