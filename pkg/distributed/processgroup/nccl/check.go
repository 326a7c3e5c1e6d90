package nccl

import (
	"fmt"

	"github.com/gomlx/collective/backends"
	"github.com/gomlx/collective/pkg/distributed/processgroup"
	"github.com/gomlx/collective/pkg/support/sets"
	"github.com/pkg/errors"
)

// checkBuffers validates the inputs and outputs of a collective call, before anything is scheduled.
//
// There must be one output per input, at least one of each, and no more than the number of devices.
// Each input must be on a different device, and they all must share dtype and number of elements.
// Each output must be on the same device as its input, with the same dtype and outputOverInput times
// its number of elements.
func (pg *ProcessGroupNCCL) checkBuffers(inputs, outputs []backends.Buffer, outputOverInput int) error {
	invalidf := func(format string, args ...any) error {
		return errors.Wrapf(processgroup.ErrInvalidArgument, format, args...)
	}
	if len(inputs) != len(outputs) {
		return invalidf("input and output buffer lists must have the same size, got %d inputs and %d outputs",
			len(inputs), len(outputs))
	}
	if len(inputs) == 0 {
		return invalidf("buffer list must be nonempty")
	}
	if len(inputs) > pg.numDevices {
		return invalidf("buffer list (%d buffers) mustn't be larger than the number of available devices (%d)",
			len(inputs), pg.numDevices)
	}
	if outputOverInput < 1 {
		return invalidf("outputOverInput must be >= 1, got %d", outputOverInput)
	}

	for ii := range inputs {
		if inputs[ii] == nil || outputs[ii] == nil {
			return invalidf("buffer #%d is nil", ii)
		}
	}
	first := inputs[0]
	usedDevices := sets.Make[backends.DeviceNum](len(inputs))
	for ii, input := range inputs {
		output := outputs[ii]
		device := input.Device()
		if device < 0 || int(device) >= pg.numDevices {
			return invalidf("buffer #%d is on device #%d, but only %d devices are available", ii, device, pg.numDevices)
		}
		if !usedDevices.InsertNew(device) {
			return invalidf("buffers must be on distinct devices, device #%d is used more than once", device)
		}
		if input.DType() != first.DType() {
			return invalidf("buffers must have the same dtype, buffer #%d is %s and buffer #0 is %s",
				ii, input.DType(), first.DType())
		}
		if input.Len() != first.Len() {
			return invalidf("buffers must have the same number of elements, buffer #%d has %d and buffer #0 has %d",
				ii, input.Len(), first.Len())
		}
		if output.Device() != device {
			return invalidf("output buffer #%d is on device #%d, but its input is on device #%d",
				ii, output.Device(), device)
		}
		if output.DType() != input.DType() {
			return invalidf("output buffer #%d is %s, but its input is %s", ii, output.DType(), input.DType())
		}
		if output.Len() != input.Len()*outputOverInput {
			return invalidf("output buffer #%d has %d elements, expected %s", ii, output.Len(),
				expectedOutputLen(input.Len(), outputOverInput))
		}
	}
	return nil
}

func expectedOutputLen(inputLen, outputOverInput int) string {
	if outputOverInput == 1 {
		return fmt.Sprintf("%d (same as the input)", inputLen)
	}
	return fmt.Sprintf("%d (%d x %d input elements)", inputLen*outputOverInput, outputOverInput, inputLen)
}
