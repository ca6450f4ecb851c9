package driver

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport-level failure classes.
var (
	// ErrConnection signals that connection attempts were exhausted.
	ErrConnection = errors.New("connection failed")

	// ErrNotConnected signals an operation on a disconnected client.
	ErrNotConnected = errors.New("not connected")

	// ErrQueueFull signals that the feeder command queue is saturated.
	ErrQueueFull = errors.New("command queue full")
)

// HardwareError wraps a transport-level failure with the device it came
// from and the operation that failed.
type HardwareError struct {
	Device string // "plc" or "feeder"
	Op     string // "connect", "read", "write"
	Tag    string // hardware address, empty for connection errors
	Err    error
}

func (e *HardwareError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("%s %s: %v", e.Device, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Device, e.Op, e.Tag, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

func hwErr(device, op, tag string, err error) *HardwareError {
	return &HardwareError{Device: device, Op: op, Tag: tag, Err: err}
}
