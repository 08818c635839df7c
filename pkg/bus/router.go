// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/Thermoquad/meridian/pkg/reading"
)

var (
	// ErrNoDriver is returned when no registered driver accepts a request
	ErrNoDriver = errors.New("no driver")
	// ErrDuplicateDriver is returned by Add for an already registered name
	ErrDuplicateDriver = errors.New("driver already registered")
	// ErrUnsupported is returned by drivers for unknown config keys
	ErrUnsupported = errors.New("unsupported config key")
)

// Router owns the set of registered drivers and dispatches downstream
// writes and configuration to them.
type Router struct {
	mu      sync.Mutex
	drivers map[string]Driver
	started []string
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{drivers: make(map[string]Driver)}
}

// Add registers a driver under a unique name
func (r *Router) Add(name string, d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[name]; ok {
		return errors.Wrap(ErrDuplicateDriver, name)
	}
	r.drivers[name] = d
	return nil
}

// Names returns the registered driver names in sorted order
func (r *Router) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Init initialises every driver in name order. On failure the drivers
// already started are freed.
func (r *Router) Init(ctx context.Context) error {
	for _, name := range r.Names() {
		r.mu.Lock()
		d := r.drivers[name]
		r.mu.Unlock()

		if err := d.Init(ctx); err != nil {
			r.Free()
			return errors.Wrapf(err, "init %s", name)
		}
		r.mu.Lock()
		r.started = append(r.started, name)
		r.mu.Unlock()
	}
	return nil
}

// Free releases started drivers in reverse order
func (r *Router) Free() {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		r.mu.Lock()
		d := r.drivers[started[i]]
		r.mu.Unlock()
		d.Free()
	}
}

// Write hands the reading to the first driver (in name order) that can write it
func (r *Router) Write(rd reading.Reading) error {
	for _, name := range r.Names() {
		r.mu.Lock()
		d := r.drivers[name]
		r.mu.Unlock()
		if d.CanWrite(rd) {
			return errors.Wrapf(d.Write(rd), "write %s", name)
		}
	}
	return errors.Wrapf(ErrNoDriver, "write %s", rd.Mac())
}

// Config forwards a configuration change to the named driver
func (r *Router) Config(driver, mac, key, value string) error {
	r.mu.Lock()
	d, ok := r.drivers[driver]
	r.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrNoDriver, driver)
	}
	return d.Config(mac, key, value)
}
