// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection for hioload-io.
//
// Provides concurrent-safe state handling primitives including:
//   - Typed configuration with defaults, validation and map-based updates
//   - A snapshot store with hot-reload observers
//   - Engine counters with point-in-time snapshots
//   - Named debug probes
package control
