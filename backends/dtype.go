package backends

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// DType is the data type of the elements of a Buffer.
// Only the types a collective backend can reduce are listed.
type DType int

const (
	InvalidDType DType = iota
	Float16
	Float32
	Float64
	Int32
	Int64
)

var dtypeNames = []string{"InvalidDType", "Float16", "Float32", "Float64", "Int32", "Int64"}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return fmt.Sprintf("DType(%d)", int(dtype))
	}
	return dtypeNames[dtype]
}

// Size returns the number of bytes per element of the dtype, or 0 for an invalid dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Float16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// DTypeString parses the name of a dtype, case-insensitive.
func DTypeString(name string) (DType, error) {
	for ii, dtypeName := range dtypeNames[1:] {
		if strings.EqualFold(dtypeName, name) {
			return DType(ii + 1), nil
		}
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// BufferBytes returns the memory used by the buffer elements.
func BufferBytes(buffer Buffer) uint64 {
	return uint64(buffer.Len() * buffer.DType().Size())
}
