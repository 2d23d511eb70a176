package types

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// PropertyType enumerates the value types a property may carry.
type PropertyType uint8

const (
	TypeUndefined PropertyType = iota
	TypeString
	TypeBinary
	TypeLong
	TypeDouble
	TypeDate
	TypeBoolean
	TypeName
	TypePath
	TypeReference
	TypeWeakReference
	TypeURI
	TypeDecimal
)

func (t PropertyType) String() string {
	switch t {
	case TypeString:
		return "String"
	case TypeBinary:
		return "Binary"
	case TypeLong:
		return "Long"
	case TypeDouble:
		return "Double"
	case TypeDate:
		return "Date"
	case TypeBoolean:
		return "Boolean"
	case TypeName:
		return "Name"
	case TypePath:
		return "Path"
	case TypeReference:
		return "Reference"
	case TypeWeakReference:
		return "WeakReference"
	case TypeURI:
		return "URI"
	case TypeDecimal:
		return "Decimal"
	default:
		return "Undefined"
	}
}

// Value is a type-tagged property value. Exactly the field matching Type is
// meaningful. Binary values hold either inline bytes or the identifier of a
// blob in the data store.
type Value struct {
	Type PropertyType

	Str    string
	Long   int64
	Double float64
	Bool   bool
	Time   time.Time
	Name   Name
	Path   Path
	Ref    NodeID

	Bytes  []byte // inline binary
	BlobID string // content-addressed external binary
}

func StringValue(s string) Value     { return Value{Type: TypeString, Str: s} }
func LongValue(v int64) Value        { return Value{Type: TypeLong, Long: v} }
func DoubleValue(v float64) Value    { return Value{Type: TypeDouble, Double: v} }
func BoolValue(v bool) Value         { return Value{Type: TypeBoolean, Bool: v} }
func DateValue(t time.Time) Value    { return Value{Type: TypeDate, Time: t} }
func NameValue(n Name) Value         { return Value{Type: TypeName, Name: n} }
func PathValue(p Path) Value         { return Value{Type: TypePath, Path: p} }
func URIValue(s string) Value        { return Value{Type: TypeURI, Str: s} }
func DecimalValue(s string) Value    { return Value{Type: TypeDecimal, Str: s} }
func BinaryValue(b []byte) Value     { return Value{Type: TypeBinary, Bytes: b} }
func BlobValue(id string) Value      { return Value{Type: TypeBinary, BlobID: id} }
func ReferenceValue(id NodeID) Value { return Value{Type: TypeReference, Ref: id} }

// WeakReferenceValue builds a weak reference; it never participates in
// referential-integrity checks.
func WeakReferenceValue(id NodeID) Value {
	return Value{Type: TypeWeakReference, Ref: id}
}

// IsExternal reports whether a binary value lives in the data store.
func (v Value) IsExternal() bool {
	return v.Type == TypeBinary && v.BlobID != ""
}

// Equal reports semantic equality of two values.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case TypeString, TypeURI, TypeDecimal:
		return v.Str == other.Str
	case TypeLong:
		return v.Long == other.Long
	case TypeDouble:
		return v.Double == other.Double
	case TypeBoolean:
		return v.Bool == other.Bool
	case TypeDate:
		return v.Time.Equal(other.Time)
	case TypeName:
		return v.Name == other.Name
	case TypePath:
		return v.Path.Equal(other.Path)
	case TypeReference, TypeWeakReference:
		return v.Ref == other.Ref
	case TypeBinary:
		if v.BlobID != "" || other.BlobID != "" {
			return v.BlobID == other.BlobID
		}
		return bytes.Equal(v.Bytes, other.Bytes)
	}
	return true
}

// String renders the value for indexing and diagnostics.
func (v Value) String() string {
	switch v.Type {
	case TypeString, TypeURI, TypeDecimal:
		return v.Str
	case TypeLong:
		return strconv.FormatInt(v.Long, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case TypeBoolean:
		return strconv.FormatBool(v.Bool)
	case TypeDate:
		return v.Time.UTC().Format(time.RFC3339Nano)
	case TypeName:
		return v.Name.String()
	case TypePath:
		return v.Path.String()
	case TypeReference, TypeWeakReference:
		return v.Ref.String()
	case TypeBinary:
		if v.BlobID != "" {
			return "blob:" + v.BlobID
		}
		return fmt.Sprintf("binary(%d bytes)", len(v.Bytes))
	}
	return ""
}
