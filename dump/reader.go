package dump

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/encoding/protowire"

	"go.viam.com/depthcapture/utils"
)

// ErrNotFound is returned when a group, scalar or dataset is not in the dump.
var ErrNotFound = errors.New("not found")

// Reader gives random access to the committed contents of a dump.
type Reader struct {
	path      string
	file      *os.File
	size      int64
	level     int
	recovered bool
	entries   map[string]entry
	// children maps a group to the names of the scalars and datasets directly under it.
	children map[string][]string
}

// Open opens a dump for reading. A dump that was closed properly is loaded from its index;
// otherwise it is scanned and everything after the last valid commit is ignored.
func Open(path string) (*Reader, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(utils.Classify(utils.ErrStorage, err), "opening dump %s", path)
	}
	r, err := newReader(path, f)
	if err != nil {
		return nil, multierr.Combine(
			errors.Wrapf(utils.Classify(utils.ErrStorage, err), "reading dump %s", path), f.Close())
	}
	return r, nil
}

func newReader(path string, f *os.File) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r := &Reader{
		path:     path,
		file:     f,
		size:     info.Size(),
		entries:  map[string]entry{},
		children: map[string][]string{},
	}
	dataStart, err := r.readHeader()
	if err != nil {
		return nil, err
	}

	entries, ok := r.readIndex(dataStart)
	if !ok {
		entries = r.scan(dataStart)
	}
	for _, e := range entries {
		r.entries[e.key()] = e
		if e.kind != kindGroup {
			r.children[e.group] = append(r.children[e.group], e.name)
		}
	}
	return r, nil
}

func (r *Reader) readHeader() (int64, error) {
	// magic plus two varints of at most 10 bytes each
	buf := make([]byte, len(fileMagic)+2*binary.MaxVarintLen64)
	n, err := r.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	buf = buf[:n]
	if !bytes.HasPrefix(buf, []byte(fileMagic)) {
		return 0, errors.New("not a dump file")
	}
	rest := buf[len(fileMagic):]
	version, rest, err := consumeVarint(rest)
	if err != nil {
		return 0, errors.Wrap(err, "bad header")
	}
	if version != formatVersion {
		return 0, errors.Errorf("unsupported format version %d", version)
	}
	level, rest, err := consumeVarint(rest)
	if err != nil {
		return 0, errors.Wrap(err, "bad header")
	}
	if err := ValidateCompressionLevel(int(level)); err != nil {
		return 0, err
	}
	r.level = int(level)
	return int64(len(buf) - len(rest)), nil
}

// readIndex loads the index written by Writer.Close. It reports false if there is no usable
// index, in which case the file has to be scanned.
func (r *Reader) readIndex(dataStart int64) ([]entry, bool) {
	if r.size < dataStart+trailerSize {
		return nil, false
	}
	trailer := make([]byte, trailerSize)
	if _, err := r.file.ReadAt(trailer, r.size-trailerSize); err != nil {
		return nil, false
	}
	if string(trailer[8:]) != trailerMagic {
		return nil, false
	}
	offset := int64(binary.LittleEndian.Uint64(trailer))
	if offset < dataStart || offset >= r.size-trailerSize {
		return nil, false
	}
	rec, err := r.readRecordAt(offset, r.size-trailerSize-offset)
	if err != nil || rec.kind != kindIndex {
		return nil, false
	}
	return rec.entries, true
}

// scan walks every record from dataStart, keeping the records of complete transactions.
func (r *Reader) scan(dataStart int64) []entry {
	var committed, pending []entry
	offset := dataStart
	for offset < r.size {
		size, err := r.frameSize(offset)
		if err != nil {
			break
		}
		rec, err := r.readRecordAt(offset, size)
		if err != nil {
			break
		}
		switch rec.kind {
		case kindCommit:
			committed = append(committed, pending...)
			pending = nil
		case kindIndex:
		default:
			pending = append(pending, entry{
				kind:   rec.kind,
				group:  rec.group,
				name:   rec.name,
				offset: offset,
				size:   size,
			})
		}
		offset += size
	}
	r.recovered = true
	return committed
}

// frameSize returns the total size of the framed record at offset.
func (r *Reader) frameSize(offset int64) (int64, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n, err := r.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	payloadSize, m := protowire.ConsumeVarint(buf[:n])
	if m < 0 {
		return 0, protowire.ParseError(m)
	}
	size := int64(m) + int64(payloadSize) + checksumSize
	if payloadSize > uint64(r.size) || offset+size > r.size {
		return 0, io.ErrUnexpectedEOF
	}
	return size, nil
}

func (r *Reader) readRecordAt(offset, size int64) (*record, error) {
	if size <= 0 || offset+size > r.size {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, size)
	if _, err := r.file.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	payload, err := unframe(buf)
	if err != nil {
		return nil, err
	}
	return unmarshalRecord(payload)
}

// Path returns the path the dump was opened from.
func (r *Reader) Path() string {
	return r.path
}

// Size returns the size of the file in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// CompressionLevel returns the level recorded in the header.
func (r *Reader) CompressionLevel() int {
	return r.level
}

// Recovered reports whether the dump had no index and was recovered by scanning.
func (r *Reader) Recovered() bool {
	return r.recovered
}

// Groups returns every group path in lexical order.
func (r *Reader) Groups() []string {
	groups := lo.Keys(lo.PickBy(r.entries, func(_ string, e entry) bool {
		return e.kind == kindGroup
	}))
	sort.Strings(groups)
	return groups
}

// GroupsWithPrefix returns the groups directly under the root whose name starts with prefix,
// in lexical order.
func (r *Reader) GroupsWithPrefix(prefix string) []string {
	return lo.Filter(r.Groups(), func(g string, _ int) bool {
		return strings.HasPrefix(g, "/"+prefix) && !strings.Contains(g[1:], "/")
	})
}

// HasGroup reports whether group exists.
func (r *Reader) HasGroup(group string) bool {
	if group == "/" {
		return true
	}
	e, ok := r.entries[group]
	return ok && e.kind == kindGroup
}

// Children returns the names of the scalars and datasets directly under group.
func (r *Reader) Children(group string) []string {
	names := append([]string(nil), r.children[group]...)
	sort.Strings(names)
	return names
}

func (r *Reader) lookup(group, name string, kind recordKind) (*record, error) {
	group, err := cleanGroup(group)
	if err != nil {
		return nil, err
	}
	key := joinPath(group, name)
	e, ok := r.entries[key]
	if !ok || e.kind != kind {
		return nil, utils.Classify(utils.ErrInvalidArgument, errors.Wrapf(ErrNotFound, "%s %s", kind, key))
	}
	rec, err := r.readRecordAt(e.offset, e.size)
	if err != nil {
		return nil, errors.Wrapf(utils.Classify(utils.ErrStorage, err), "reading %s", key)
	}
	return rec, nil
}

// Scalar returns the scalar name under group.
func (r *Reader) Scalar(group, name string) (Scalar, error) {
	rec, err := r.lookup(group, name, kindScalar)
	if err != nil {
		return Scalar{}, err
	}
	return Scalar{Type: rec.etype, raw: rec.data}, nil
}

// Dataset returns the dataset name under group, inflating it if it was stored compressed.
func (r *Reader) Dataset(group, name string) (*Dataset, error) {
	rec, err := r.lookup(group, name, kindDataset)
	if err != nil {
		return nil, err
	}
	data := rec.data
	switch rec.codec {
	case CodecRaw:
	case CodecDeflate:
		if data, err = inflate(rec.data, rec.rawSize); err != nil {
			return nil, errors.Wrapf(utils.Classify(utils.ErrStorage, err), "inflating %s", joinPath(rec.group, name))
		}
	default:
		return nil, utils.NewStorageError("%s has unknown codec %d", joinPath(rec.group, name), rec.codec)
	}
	ds := &Dataset{Type: rec.etype, Dims: rec.dims, Data: data}
	if want := ds.Elements() * uint64(ds.Type.Size()); uint64(len(data)) != want {
		return nil, utils.NewStorageError("%s holds %d bytes, dims %v need %d", joinPath(rec.group, name), len(data), ds.Dims, want)
	}
	return ds, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

func inflate(data []byte, rawSize uint64) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	out := bytes.NewBuffer(make([]byte, 0, rawSize))
	if _, err := io.Copy(out, fr); err != nil {
		return nil, err
	}
	if err := fr.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
