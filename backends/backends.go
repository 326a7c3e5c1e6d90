// Package backends defines the interface to the runtime and collective-communication system a process group
// needs to exchange data across devices.
//
// It is modeled after NCCL and the CUDA stream/event API, since that is the main implementation target:
// buffers live on a device, work is enqueued on streams and completes asynchronously, and events are used
// to order work between streams.
//
// Every call in this package is synchronous-to-enqueue and asynchronous-to-complete: errors returned are the
// ones detected while scheduling the work. Failures during execution are reported by the events recorded
// after the failing work.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum represents which device holds a buffer, or runs a stream.
// It's up to the backend to interpret it, but it should be between 0 and Backend.NumDevices.
type DeviceNum int

// Backend is the API that needs to be implemented by a collective backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "nccl" or "simgpu".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices return the number of devices available for this Backend.
	NumDevices() int

	// Runtime is the sub-interface with the device stream and event API.
	Runtime

	// CollectiveOps is the sub-interface with the communicator and collective API.
	CollectiveOps

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// COLLECTIVE_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "simgpu") and
// "<backend_configuration>" is backend specific (e.g.: for simgpu, it is the number of devices).
const COLLECTIVE_BACKEND = "COLLECTIVE_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment COLLECTIVE_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(COLLECTIVE_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "simgpu") and
// "<backend_configuration>" is backend specific.
//
// It panics if the backend is not registered.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered collective backends -- maybe import the simulated one with import _ "github.com/gomlx/collective/backends/simgpu"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}

// List the registered backends.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}
