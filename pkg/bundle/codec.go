package bundle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// Serialization versions. The codec reads every version back to VersionV1
// and always writes VersionCurrent.
const (
	VersionV1 byte = 1 // no share set, no mod count
	VersionV2 byte = 2 // adds the share-parent set
	VersionV3 byte = 3 // adds the mod count

	VersionCurrent = VersionV3
)

// Binary value markers.
const (
	binaryInline   byte = 0
	binaryExternal byte = 1
)

// Codec turns bundles into their versioned binary form. Names are written
// as (namespace index, local-name index) pairs against the two string
// indices.
type Codec struct {
	Namespaces *StringIndex
	Names      *StringIndex
}

// NewCodec builds a codec over the given string indices.
func NewCodec(namespaces, names *StringIndex) *Codec {
	return &Codec{Namespaces: namespaces, Names: names}
}

// Encode serializes a bundle in the current version.
func (c *Codec) Encode(b *Bundle) ([]byte, error) {
	w := &writer{buf: &bytes.Buffer{}}
	w.byte(VersionCurrent)
	w.raw(b.ParentID.Bytes())
	c.name(w, b.NodeTypeName)
	w.uvarint(uint64(len(b.Mixins)))
	for _, m := range b.Mixins {
		c.name(w, m)
	}
	w.uvarint(uint64(len(b.ShareParents)))
	for _, p := range b.ShareParents {
		w.raw(p.Bytes())
	}
	w.uvarint(uint64(len(b.ChildEntries)))
	for _, e := range b.ChildEntries {
		c.name(w, e.Name)
		w.raw(e.ID.Bytes())
		w.uvarint(uint64(e.Index))
	}
	w.uvarint(uint64(len(b.Properties)))
	for _, p := range b.Properties {
		c.name(w, p.Name)
		w.byte(byte(p.Type))
		if p.MultiValued {
			w.byte(1)
		} else {
			w.byte(0)
		}
		w.uvarint(uint64(p.ModCount))
		w.uvarint(uint64(len(p.Values)))
		for _, v := range p.Values {
			if err := c.value(w, p.Type, v); err != nil {
				return nil, err
			}
		}
	}
	w.uvarint(uint64(b.ModCount))
	if w.err != nil {
		return nil, fmt.Errorf("failed to encode bundle %s: %w", b.ID, w.err)
	}
	return w.buf.Bytes(), nil
}

// Decode deserializes a bundle of any supported version. The bundle id is
// not part of the record; the caller supplies it.
func (c *Codec) Decode(id types.NodeID, data []byte) (*Bundle, error) {
	r := &reader{buf: bytes.NewReader(data)}
	version := r.byte()
	if r.err != nil || version < VersionV1 || version > VersionCurrent {
		return nil, fmt.Errorf("bundle %s: unsupported version %d: %w", id, version, errdefs.ErrProtocol)
	}
	b := &Bundle{ID: id}
	parent, err := types.NodeIDFromBytes(r.raw(16))
	if err == nil {
		b.ParentID = parent
	}
	b.NodeTypeName = c.readName(r)
	n := r.uvarint()
	for i := uint64(0); i < n && r.err == nil; i++ {
		b.Mixins = append(b.Mixins, c.readName(r))
	}
	if version >= VersionV2 {
		n = r.uvarint()
		for i := uint64(0); i < n && r.err == nil; i++ {
			sp, err := types.NodeIDFromBytes(r.raw(16))
			if err != nil {
				r.err = err
				break
			}
			b.ShareParents = append(b.ShareParents, sp)
		}
	}
	n = r.uvarint()
	for i := uint64(0); i < n && r.err == nil; i++ {
		var e ChildEntry
		e.Name = c.readName(r)
		child, err := types.NodeIDFromBytes(r.raw(16))
		if err != nil {
			r.err = err
			break
		}
		e.ID = child
		e.Index = int(r.uvarint())
		b.ChildEntries = append(b.ChildEntries, e)
	}
	n = r.uvarint()
	for i := uint64(0); i < n && r.err == nil; i++ {
		var p PropertyEntry
		p.Name = c.readName(r)
		p.Type = types.PropertyType(r.byte())
		p.MultiValued = r.byte() == 1
		if version >= VersionV3 {
			p.ModCount = uint32(r.uvarint())
		}
		vc := r.uvarint()
		for j := uint64(0); j < vc && r.err == nil; j++ {
			v, err := c.readValue(r, p.Type)
			if err != nil {
				r.err = err
				break
			}
			p.Values = append(p.Values, v)
		}
		b.Properties = append(b.Properties, p)
	}
	if version >= VersionV3 {
		b.ModCount = uint32(r.uvarint())
	}
	if r.err != nil {
		return nil, fmt.Errorf("bundle %s: corrupt record: %w (%v)", id, errdefs.ErrProtocol, r.err)
	}
	return b, nil
}

func (c *Codec) name(w *writer, n types.Name) {
	if w.err != nil {
		return
	}
	ns, err := c.Namespaces.Index(n.Space)
	if err != nil {
		w.err = err
		return
	}
	local, err := c.Names.Index(n.Local)
	if err != nil {
		w.err = err
		return
	}
	w.uvarint(uint64(ns))
	w.uvarint(uint64(local))
}

func (c *Codec) readName(r *reader) types.Name {
	ns := uint32(r.uvarint())
	local := uint32(r.uvarint())
	if r.err != nil {
		return types.Name{}
	}
	space, err := c.Namespaces.String(ns)
	if err != nil {
		r.err = err
		return types.Name{}
	}
	localName, err := c.Names.String(local)
	if err != nil {
		r.err = err
		return types.Name{}
	}
	return types.NewName(space, localName)
}

func (c *Codec) value(w *writer, t types.PropertyType, v types.Value) error {
	switch t {
	case types.TypeString, types.TypeURI, types.TypeDecimal:
		w.str(v.Str)
	case types.TypeLong:
		w.varint(v.Long)
	case types.TypeDouble:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Double))
		w.raw(b[:])
	case types.TypeBoolean:
		if v.Bool {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case types.TypeDate:
		w.str(v.Time.UTC().Format(time.RFC3339Nano))
	case types.TypeName:
		c.name(w, v.Name)
	case types.TypePath:
		w.str(v.Path.String())
	case types.TypeReference, types.TypeWeakReference:
		w.raw(v.Ref.Bytes())
	case types.TypeBinary:
		if v.IsExternal() {
			w.byte(binaryExternal)
			w.str(v.BlobID)
		} else {
			w.byte(binaryInline)
			w.uvarint(uint64(len(v.Bytes)))
			w.raw(v.Bytes)
		}
	default:
		return fmt.Errorf("cannot encode value of type %s: %w", t, errdefs.ErrProtocol)
	}
	return w.err
}

func (c *Codec) readValue(r *reader, t types.PropertyType) (types.Value, error) {
	switch t {
	case types.TypeString:
		return types.StringValue(r.str()), r.err
	case types.TypeURI:
		return types.URIValue(r.str()), r.err
	case types.TypeDecimal:
		return types.DecimalValue(r.str()), r.err
	case types.TypeLong:
		return types.LongValue(r.varint()), r.err
	case types.TypeDouble:
		b := r.raw(8)
		if r.err != nil {
			return types.Value{}, r.err
		}
		return types.DoubleValue(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	case types.TypeBoolean:
		return types.BoolValue(r.byte() == 1), r.err
	case types.TypeDate:
		ts, err := time.Parse(time.RFC3339Nano, r.str())
		if r.err != nil {
			return types.Value{}, r.err
		}
		if err != nil {
			return types.Value{}, err
		}
		return types.DateValue(ts), nil
	case types.TypeName:
		return types.NameValue(c.readName(r)), r.err
	case types.TypePath:
		p, err := types.ParsePath(r.str())
		if r.err != nil {
			return types.Value{}, r.err
		}
		if err != nil {
			return types.Value{}, err
		}
		return types.PathValue(p), nil
	case types.TypeReference, types.TypeWeakReference:
		id, err := types.NodeIDFromBytes(r.raw(16))
		if r.err != nil {
			return types.Value{}, r.err
		}
		if err != nil {
			return types.Value{}, err
		}
		v := types.ReferenceValue(id)
		v.Type = t
		return v, nil
	case types.TypeBinary:
		switch marker := r.byte(); marker {
		case binaryExternal:
			return types.BlobValue(r.str()), r.err
		case binaryInline:
			n := r.uvarint()
			data := r.raw(int(n))
			if r.err != nil {
				return types.Value{}, r.err
			}
			return types.BinaryValue(append([]byte(nil), data...)), nil
		default:
			return types.Value{}, fmt.Errorf("bad binary marker %d", marker)
		}
	}
	return types.Value{}, fmt.Errorf("cannot decode value of type %s", t)
}

// writer accumulates the encoded form, capturing the first error.
type writer struct {
	buf *bytes.Buffer
	err error
}

func (w *writer) byte(b byte) {
	if w.err == nil {
		w.err = w.buf.WriteByte(b)
	}
}

func (w *writer) raw(b []byte) {
	if w.err == nil {
		_, w.err = w.buf.Write(b)
	}
}

func (w *writer) uvarint(v uint64) {
	if w.err == nil {
		var b [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(b[:], v)
		_, w.err = w.buf.Write(b[:n])
	}
}

func (w *writer) varint(v int64) {
	if w.err == nil {
		var b [binary.MaxVarintLen64]byte
		n := binary.PutVarint(b[:], v)
		_, w.err = w.buf.Write(b[:n])
	}
}

func (w *writer) str(s string) {
	w.uvarint(uint64(len(s)))
	w.raw([]byte(s))
}

// reader decodes the binary form, capturing the first error.
type reader struct {
	buf *bytes.Reader
	err error
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	b, err := r.buf.ReadByte()
	if err != nil {
		r.err = err
		return 0
	}
	return b
}

func (r *reader) raw(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.buf, b); err != nil {
		r.err = err
	}
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(r.buf)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadVarint(r.buf)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *reader) str() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	return string(r.raw(int(n)))
}
