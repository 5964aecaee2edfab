// Package reactor
// Author: momentics <momentics@gmail.com>
//
// Readiness selection for the event loops. A Poller reports which registered
// descriptors became readable or writable; each event loop owns exactly one
// Poller and is the only goroutine calling Wait on it. Interest is level
// triggered: a descriptor with write interest keeps reporting writable until
// the interest is dropped.
package reactor
