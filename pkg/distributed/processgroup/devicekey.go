package processgroup

import (
	"strconv"
	"strings"

	"github.com/gomlx/collective/backends"
	"github.com/pkg/errors"
)

// DeviceKeySeparator separates the device numbers in a device key.
const DeviceKeySeparator = ","

// DeviceKey returns the canonical key for an ordered list of devices: the device numbers joined by
// DeviceKeySeparator, in the given order.
//
// The order matters, since it pairs with the position of the buffers in a collective call:
// DeviceKey([0, 4, 5]) is "0,4,5", and DeviceKey([0, 1]) != DeviceKey([1, 0]).
func DeviceKey(devices []backends.DeviceNum) string {
	var sb strings.Builder
	for ii, device := range devices {
		if ii > 0 {
			sb.WriteString(DeviceKeySeparator)
		}
		sb.WriteString(strconv.Itoa(int(device)))
	}
	return sb.String()
}

// ParseDeviceKey converts a device key back to the list of devices.
func ParseDeviceKey(key string) ([]backends.DeviceNum, error) {
	if key == "" {
		return nil, errors.Wrapf(ErrInvalidArgument, "empty device key")
	}
	parts := strings.Split(key, DeviceKeySeparator)
	devices := make([]backends.DeviceNum, len(parts))
	for ii, part := range parts {
		device, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || device < 0 {
			return nil, errors.Wrapf(ErrInvalidArgument, "invalid device %q in device key %q", part, key)
		}
		devices[ii] = backends.DeviceNum(device)
	}
	return devices, nil
}

// BufferDevices returns the devices of the buffers, in order.
func BufferDevices(buffers []backends.Buffer) []backends.DeviceNum {
	devices := make([]backends.DeviceNum, len(buffers))
	for ii, buffer := range buffers {
		devices[ii] = buffer.Device()
	}
	return devices
}
