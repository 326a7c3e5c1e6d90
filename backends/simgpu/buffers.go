package simgpu

import (
	"fmt"
	"slices"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// Supported lists the Go types that can be stored in a simulated device Buffer.
type Supported interface {
	float16.Float16 | float32 | float64 | int32 | int64
}

// dtypeOf returns the backends.DType for the Go type T.
func dtypeOf[T Supported]() backends.DType {
	var t T
	switch any(t).(type) {
	case float16.Float16:
		return backends.Float16
	case float32:
		return backends.Float32
	case float64:
		return backends.Float64
	case int32:
		return backends.Int32
	case int64:
		return backends.Int64
	}
	return backends.InvalidDType
}

// Buffer is a simulated device buffer: a flat Go slice tagged with the device that owns it.
//
// The contents should only be accessed by the host after the work using it has been synchronized.
type Buffer struct {
	device backends.DeviceNum
	dtype  backends.DType
	flat   any
}

var _ backends.Buffer = (*Buffer)(nil)

// NewBuffer creates a Buffer on device holding a copy of values.
func NewBuffer[T Supported](device backends.DeviceNum, values ...T) *Buffer {
	return &Buffer{
		device: device,
		dtype:  dtypeOf[T](),
		flat:   slices.Clone(values),
	}
}

// NewBufferFromFloat64s creates a Buffer of the given dtype on device, converting values.
func NewBufferFromFloat64s(device backends.DeviceNum, dtype backends.DType, values []float64) *Buffer {
	switch dtype {
	case backends.Float16:
		return NewBuffer(device, convertFromFloat64(values, float16.Fromfloat32)...)
	case backends.Float32:
		return NewBuffer(device, convertFromFloat64(values, func(v float32) float32 { return v })...)
	case backends.Float64:
		return NewBuffer(device, values...)
	case backends.Int32:
		flat := make([]int32, len(values))
		for ii, v := range values {
			flat[ii] = int32(v)
		}
		return NewBuffer(device, flat...)
	case backends.Int64:
		flat := make([]int64, len(values))
		for ii, v := range values {
			flat[ii] = int64(v)
		}
		return NewBuffer(device, flat...)
	}
	exceptions.Panicf("simgpu: unsupported dtype %s", dtype)
	return nil
}

func convertFromFloat64[T any](values []float64, fn func(float32) T) []T {
	flat := make([]T, len(values))
	for ii, v := range values {
		flat[ii] = fn(float32(v))
	}
	return flat
}

// Device implements backends.Buffer.
func (b *Buffer) Device() backends.DeviceNum {
	return b.device
}

// DType implements backends.Buffer.
func (b *Buffer) DType() backends.DType {
	return b.dtype
}

// Len implements backends.Buffer.
func (b *Buffer) Len() int {
	switch flat := b.flat.(type) {
	case []float16.Float16:
		return len(flat)
	case []float32:
		return len(flat)
	case []float64:
		return len(flat)
	case []int32:
		return len(flat)
	case []int64:
		return len(flat)
	}
	return 0
}

// Flat returns the underlying slice, not a copy.
func (b *Buffer) Flat() any {
	return b.flat
}

// Float64s returns a copy of the buffer contents converted to float64.
func (b *Buffer) Float64s() []float64 {
	values := make([]float64, b.Len())
	switch flat := b.flat.(type) {
	case []float16.Float16:
		for ii, v := range flat {
			values[ii] = float64(v.Float32())
		}
	case []float32:
		for ii, v := range flat {
			values[ii] = float64(v)
		}
	case []float64:
		copy(values, flat)
	case []int32:
		for ii, v := range flat {
			values[ii] = float64(v)
		}
	case []int64:
		for ii, v := range flat {
			values[ii] = float64(v)
		}
	}
	return values
}

// Values returns the buffer contents as a slice of T, not a copy.
// It panics if T doesn't match the buffer dtype.
func Values[T Supported](b *Buffer) []T {
	flat, ok := b.flat.([]T)
	if !ok {
		exceptions.Panicf("simgpu: buffer has dtype %s, requested values of type %T", b.dtype, flat)
	}
	return flat
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(device=%d, %s[%d])", b.device, b.dtype, b.Len())
}
