package dump

import (
	"encoding/binary"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"go.viam.com/depthcapture/utils"
)

type recordKind uint64

const (
	kindInvalid recordKind = iota
	kindScalar
	kindDataset
	kindGroup
	kindCommit
	kindIndex
)

func (k recordKind) String() string {
	switch k {
	case kindScalar:
		return "scalar"
	case kindDataset:
		return "dataset"
	case kindGroup:
		return "group"
	case kindCommit:
		return "commit"
	case kindIndex:
		return "index"
	default:
		return "invalid"
	}
}

// Codec is how dataset bytes are stored.
type Codec uint64

// Codecs.
const (
	CodecRaw Codec = iota
	CodecDeflate
)

// Record payload fields.
const (
	fieldKind    protowire.Number = 1
	fieldGroup   protowire.Number = 2
	fieldName    protowire.Number = 3
	fieldType    protowire.Number = 4
	fieldDims    protowire.Number = 5
	fieldData    protowire.Number = 6
	fieldCodec   protowire.Number = 7
	fieldRawSize protowire.Number = 8
	fieldEntry   protowire.Number = 9
)

// Index entry fields.
const (
	entryFieldKind   protowire.Number = 1
	entryFieldGroup  protowire.Number = 2
	entryFieldName   protowire.Number = 3
	entryFieldOffset protowire.Number = 4
	entryFieldSize   protowire.Number = 5
)

type record struct {
	kind    recordKind
	group   string
	name    string
	etype   ElementType
	dims    []uint64
	data    []byte
	codec   Codec
	rawSize uint64
	entries []entry
}

// entry locates one committed record in the file.
type entry struct {
	kind   recordKind
	group  string
	name   string
	offset int64
	size   int64
}

func (e entry) key() string {
	if e.kind == kindGroup {
		return e.group
	}
	return joinPath(e.group, e.name)
}

func (r *record) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.kind))
	if r.group != "" {
		b = protowire.AppendTag(b, fieldGroup, protowire.BytesType)
		b = protowire.AppendString(b, r.group)
	}
	if r.name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, r.name)
	}
	if r.etype != TypeInvalid {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.etype))
	}
	if len(r.dims) > 0 {
		var packed []byte
		for _, d := range r.dims {
			packed = protowire.AppendVarint(packed, d)
		}
		b = protowire.AppendTag(b, fieldDims, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if r.data != nil {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.data)
	}
	if r.codec != CodecRaw {
		b = protowire.AppendTag(b, fieldCodec, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.codec))
	}
	if r.rawSize != 0 {
		b = protowire.AppendTag(b, fieldRawSize, protowire.VarintType)
		b = protowire.AppendVarint(b, r.rawSize)
	}
	for _, e := range r.entries {
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, e.marshal(nil))
	}
	return b
}

func (e *entry) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, entryFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.kind))
	b = protowire.AppendTag(b, entryFieldGroup, protowire.BytesType)
	b = protowire.AppendString(b, e.group)
	if e.name != "" {
		b = protowire.AppendTag(b, entryFieldName, protowire.BytesType)
		b = protowire.AppendString(b, e.name)
	}
	b = protowire.AppendTag(b, entryFieldOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.offset))
	b = protowire.AppendTag(b, entryFieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.size))
	return b
}

func consumeVarint(b []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

func consumeBytes(b []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

func unmarshalRecord(b []byte) (*record, error) {
	r := &record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v   uint64
			buf []byte
			err error
		)
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, b, err = consumeVarint(b)
			r.kind = recordKind(v)
		case num == fieldGroup && typ == protowire.BytesType:
			buf, b, err = consumeBytes(b)
			r.group = string(buf)
		case num == fieldName && typ == protowire.BytesType:
			buf, b, err = consumeBytes(b)
			r.name = string(buf)
		case num == fieldType && typ == protowire.VarintType:
			v, b, err = consumeVarint(b)
			r.etype = ElementType(v)
		case num == fieldDims && typ == protowire.BytesType:
			buf, b, err = consumeBytes(b)
			for err == nil && len(buf) > 0 {
				v, buf, err = consumeVarint(buf)
				r.dims = append(r.dims, v)
			}
		case num == fieldData && typ == protowire.BytesType:
			r.data, b, err = consumeBytes(b)
		case num == fieldCodec && typ == protowire.VarintType:
			v, b, err = consumeVarint(b)
			r.codec = Codec(v)
		case num == fieldRawSize && typ == protowire.VarintType:
			r.rawSize, b, err = consumeVarint(b)
		case num == fieldEntry && typ == protowire.BytesType:
			buf, b, err = consumeBytes(b)
			if err == nil {
				var e entry
				if e, err = unmarshalEntry(buf); err == nil {
					r.entries = append(r.entries, e)
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
		if err != nil {
			return nil, err
		}
	}
	if r.kind == kindInvalid || r.kind > kindIndex {
		return nil, errors.Errorf("record has unknown kind %d", r.kind)
	}
	return r, nil
}

func unmarshalEntry(b []byte) (entry, error) {
	var e entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v   uint64
			buf []byte
			err error
		)
		switch {
		case num == entryFieldKind && typ == protowire.VarintType:
			v, b, err = consumeVarint(b)
			e.kind = recordKind(v)
		case num == entryFieldGroup && typ == protowire.BytesType:
			buf, b, err = consumeBytes(b)
			e.group = string(buf)
		case num == entryFieldName && typ == protowire.BytesType:
			buf, b, err = consumeBytes(b)
			e.name = string(buf)
		case num == entryFieldOffset && typ == protowire.VarintType:
			v, b, err = consumeVarint(b)
			e.offset = int64(v)
		case num == entryFieldSize && typ == protowire.VarintType:
			v, b, err = consumeVarint(b)
			e.size = int64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
		}
		if err != nil {
			return e, err
		}
	}
	return e, nil
}

// frame appends the framed encoding of payload to dst.
func frame(dst, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint64(dst, xxhash.Sum64(payload))
}

// unframe checks a single framed record held entirely in b and returns its payload.
func unframe(b []byte) ([]byte, error) {
	size, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	if uint64(len(b)-n) != size+checksumSize {
		return nil, errors.Errorf("framed record is %d bytes, header says %d", len(b)-n, size+checksumSize)
	}
	payload := b[n : n+int(size)]
	if sum := binary.LittleEndian.Uint64(b[n+int(size):]); sum != xxhash.Sum64(payload) {
		return nil, errors.New("record checksum mismatch")
	}
	return payload, nil
}

func joinPath(group, name string) string {
	if group == "/" {
		return "/" + name
	}
	return group + "/" + name
}

// cleanGroup normalizes an absolute group path.
func cleanGroup(group string) (string, error) {
	if !strings.HasPrefix(group, "/") {
		return "", utils.NewInvalidArgumentError("group path %q is not absolute", group)
	}
	return path.Clean(group), nil
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return utils.NewInvalidArgumentError("invalid object name %q", name)
	}
	return nil
}

// parents returns every ancestor of group, outermost first, ending with group itself. The root
// is implicit and never returned.
func parents(group string) []string {
	if group == "/" {
		return nil
	}
	var out []string
	for i := 1; i < len(group); i++ {
		if group[i] == '/' {
			out = append(out, group[:i])
		}
	}
	return append(out, group)
}
