package simgpu

import (
	"github.com/gomlx/collective/backends"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

type number interface {
	constraints.Integer | constraints.Float
}

// reduceNumbers reduces the inputs element-wise into a new slice.
// All inputs must have the same length.
func reduceNumbers[T number](reduceOp backends.ReduceOpType, inputs [][]T) ([]T, error) {
	result := make([]T, len(inputs[0]))
	copy(result, inputs[0])
	for _, input := range inputs[1:] {
		switch reduceOp {
		case backends.ReduceOpSum:
			for ii, v := range input {
				result[ii] += v
			}
		case backends.ReduceOpProduct:
			for ii, v := range input {
				result[ii] *= v
			}
		case backends.ReduceOpMax:
			for ii, v := range input {
				result[ii] = max(result[ii], v)
			}
		case backends.ReduceOpMin:
			for ii, v := range input {
				result[ii] = min(result[ii], v)
			}
		default:
			return nil, errors.Errorf("reduce operation %s not supported", reduceOp)
		}
	}
	return result, nil
}

// reduceFloat16 reduces in float32 and converts the result back to float16.
func reduceFloat16(reduceOp backends.ReduceOpType, inputs [][]float16.Float16) ([]float16.Float16, error) {
	wide := make([][]float32, len(inputs))
	for ii, input := range inputs {
		wide[ii] = make([]float32, len(input))
		for jj, v := range input {
			wide[ii][jj] = v.Float32()
		}
	}
	reduced, err := reduceNumbers(reduceOp, wide)
	if err != nil {
		return nil, err
	}
	result := make([]float16.Float16, len(reduced))
	for ii, v := range reduced {
		result[ii] = float16.Fromfloat32(v)
	}
	return result, nil
}

func collectFlat[T Supported](buffers []*Buffer) [][]T {
	flats := make([][]T, len(buffers))
	for ii, buffer := range buffers {
		flats[ii] = buffer.flat.([]T)
	}
	return flats
}

// reduceBuffers reduces the contents of buffers, that must share dtype and length, and returns the flat result.
func reduceBuffers(reduceOp backends.ReduceOpType, buffers []*Buffer) (any, error) {
	switch buffers[0].dtype {
	case backends.Float16:
		return reduceFloat16(reduceOp, collectFlat[float16.Float16](buffers))
	case backends.Float32:
		return reduceNumbers(reduceOp, collectFlat[float32](buffers))
	case backends.Float64:
		return reduceNumbers(reduceOp, collectFlat[float64](buffers))
	case backends.Int32:
		return reduceNumbers(reduceOp, collectFlat[int32](buffers))
	case backends.Int64:
		return reduceNumbers(reduceOp, collectFlat[int64](buffers))
	}
	return nil, errors.Errorf("dtype %s not supported", buffers[0].dtype)
}

// copyFlat copies the flat values (same type as the buffer) into the buffer.
func copyFlat(dst *Buffer, flat any) {
	switch dstFlat := dst.flat.(type) {
	case []float16.Float16:
		copy(dstFlat, flat.([]float16.Float16))
	case []float32:
		copy(dstFlat, flat.([]float32))
	case []float64:
		copy(dstFlat, flat.([]float64))
	case []int32:
		copy(dstFlat, flat.([]int32))
	case []int64:
		copy(dstFlat, flat.([]int64))
	}
}
