package raster

import (
	"fmt"
	"strings"
)

// DataType identifies the element type of a raster variable.
type DataType int

const (
	TypeUnknown DataType = iota
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeFloat32
	TypeFloat64
)

var dataTypeNames = map[DataType]string{
	TypeInt8:    "int8",
	TypeUint8:   "uint8",
	TypeInt16:   "int16",
	TypeUint16:  "uint16",
	TypeInt32:   "int32",
	TypeUint32:  "uint32",
	TypeInt64:   "int64",
	TypeFloat32: "float32",
	TypeFloat64: "float64",
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Valid reports whether t is a known element type.
func (t DataType) Valid() bool {
	_, ok := dataTypeNames[t]
	return ok
}

// ElemSize returns the size of one element in bytes.
func (t DataType) ElemSize() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// ParseDataType resolves a name such as "int16" or "float32".
func ParseDataType(name string) (DataType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range dataTypeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("%w: unknown data type %q", ErrConfiguration, name)
}
