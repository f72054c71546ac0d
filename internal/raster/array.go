package raster

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Number is the set of element types a raster Array can hold.
type Number interface {
	int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | float32 | float64
}

// Array is a typed, linear backing store for raster elements.
type Array struct {
	dtype DataType
	s     storage
}

// NewArray allocates a zeroed array of n elements.
func NewArray(t DataType, n int) (*Array, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative array length %d", ErrConfiguration, n)
	}
	var s storage
	switch t {
	case TypeInt8:
		s = typed[int8](make([]int8, n))
	case TypeUint8:
		s = typed[uint8](make([]uint8, n))
	case TypeInt16:
		s = typed[int16](make([]int16, n))
	case TypeUint16:
		s = typed[uint16](make([]uint16, n))
	case TypeInt32:
		s = typed[int32](make([]int32, n))
	case TypeUint32:
		s = typed[uint32](make([]uint32, n))
	case TypeInt64:
		s = typed[int64](make([]int64, n))
	case TypeFloat32:
		s = typed[float32](make([]float32, n))
	case TypeFloat64:
		s = typed[float64](make([]float64, n))
	default:
		return nil, fmt.Errorf("%w: unknown data type %s", ErrConfiguration, t)
	}
	return &Array{dtype: t, s: s}, nil
}

// Wrap adopts elems as the backing store without copying.
func Wrap[T Number](elems []T) *Array {
	return &Array{dtype: typeOf[T](), s: typed[T](elems)}
}

// Elems returns the backing slice when it holds elements of type T, nil otherwise.
func Elems[T Number](a *Array) []T {
	if a == nil {
		return nil
	}
	s, ok := a.s.(typed[T])
	if !ok {
		return nil
	}
	return s
}

// Type returns the element type.
func (a *Array) Type() DataType { return a.dtype }

// Len returns the number of elements.
func (a *Array) Len() int { return a.s.len() }

// SizeInBytes returns the payload size.
func (a *Array) SizeInBytes() int64 {
	return int64(a.s.len()) * int64(a.dtype.ElemSize())
}

// Elems returns the backing slice ([]int16, []float32, ...).
func (a *Array) Elems() any { return a.s.raw() }

// Float64At returns element i converted to float64.
func (a *Array) Float64At(i int) float64 { return a.s.at(i) }

// Int64At returns element i converted to int64.
func (a *Array) Int64At(i int) int64 { return a.s.int64At(i) }

// SetFloat64 stores v at i, converted to the element type. NaN becomes 0 for
// integer types.
func (a *Array) SetFloat64(i int, v float64) { a.s.set(i, v) }

// Fill sets every element to v.
func (a *Array) Fill(v float64) { a.s.fill(v) }

// WriteTo writes the elements in little-endian byte order.
func (a *Array) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, a.s.raw()); err != nil {
		return 0, err
	}
	return a.SizeInBytes(), nil
}

// CopyElems copies n elements from src[srcPos:] to dst[dstPos:]. Both arrays must
// share the element type.
func CopyElems(dst *Array, dstPos int, src *Array, srcPos, n int) error {
	if dst.dtype != src.dtype {
		return fmt.Errorf("%w: %s <- %s", ErrTypeMismatch, dst.dtype, src.dtype)
	}
	if n <= 0 {
		return nil
	}
	if srcPos < 0 || dstPos < 0 || srcPos+n > src.Len() || dstPos+n > dst.Len() {
		return fmt.Errorf("%w: copy of %d elements (src %d/%d, dst %d/%d)",
			ErrOutOfBounds, n, srcPos, src.Len(), dstPos, dst.Len())
	}
	dst.s.copyFrom(dstPos, src.s, srcPos, n)
	return nil
}

type storage interface {
	len() int
	at(i int) float64
	int64At(i int) int64
	set(i int, v float64)
	fill(v float64)
	copyFrom(dstPos int, src storage, srcPos, n int)
	raw() any
}

type typed[T Number] []T

func (s typed[T]) len() int             { return len(s) }
func (s typed[T]) at(i int) float64     { return float64(s[i]) }
func (s typed[T]) int64At(i int) int64  { return int64(s[i]) }
func (s typed[T]) set(i int, v float64) { s[i] = fromFloat[T](v) }
func (s typed[T]) raw() any             { return []T(s) }

func (s typed[T]) fill(v float64) {
	x := fromFloat[T](v)
	for i := range s {
		s[i] = x
	}
}

func (s typed[T]) copyFrom(dstPos int, src storage, srcPos, n int) {
	copy(s[dstPos:dstPos+n], src.(typed[T])[srcPos:srcPos+n])
}

func fromFloat[T Number](v float64) T {
	var zero T
	switch any(zero).(type) {
	case float32, float64:
		return T(v)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return zero
	}
	return T(v)
}

func typeOf[T Number]() DataType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return TypeInt8
	case uint8:
		return TypeUint8
	case int16:
		return TypeInt16
	case uint16:
		return TypeUint16
	case int32:
		return TypeInt32
	case uint32:
		return TypeUint32
	case int64:
		return TypeInt64
	case float32:
		return TypeFloat32
	default:
		return TypeFloat64
	}
}

// WrapSlice adopts a []int8 ... []float64 slice without copying.
func WrapSlice(elems any) (*Array, error) {
	switch e := elems.(type) {
	case []int8:
		return Wrap(e), nil
	case []uint8:
		return Wrap(e), nil
	case []int16:
		return Wrap(e), nil
	case []uint16:
		return Wrap(e), nil
	case []int32:
		return Wrap(e), nil
	case []uint32:
		return Wrap(e), nil
	case []int64:
		return Wrap(e), nil
	case []float32:
		return Wrap(e), nil
	case []float64:
		return Wrap(e), nil
	default:
		return nil, fmt.Errorf("%w: cannot wrap %T", ErrUnsupported, elems)
	}
}
