package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/pcmstream/pkg/device"
)

// ErrBackendNotRegistered is returned by [Registry.Create] and
// [Registry.List] when no factory has been registered under the requested
// backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// DeviceFactory opens the device selected by entry for direction.
type DeviceFactory func(entry DeviceEntry, direction device.Direction) (device.Device, error)

// DeviceLister enumerates the devices a backend offers.
type DeviceLister func(entry DeviceEntry) ([]device.Info, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
	listers map[string]DeviceLister
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]DeviceFactory),
		listers: make(map[string]DeviceLister),
	}
}

// Register registers a device factory and an optional lister under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory DeviceFactory, lister DeviceLister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
	if lister != nil {
		r.listers[name] = lister
	} else {
		delete(r.listers, name)
	}
}

// Create opens a device using the factory registered under entry.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(entry DeviceEntry, direction device.Direction) (device.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[entry.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, entry.Backend)
	}
	return factory(entry, direction)
}

// List enumerates the devices of entry.Backend.
func (r *Registry) List(entry DeviceEntry) ([]device.Info, error) {
	r.mu.RLock()
	lister, ok := r.listers[entry.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q cannot list devices", ErrBackendNotRegistered, entry.Backend)
	}
	return lister(entry)
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
