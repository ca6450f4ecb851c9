// Package driver provides the hardware clients for the spray process
// controller: a Modbus/TCP PLC client, an SSH line-protocol client for the
// powder feeder controller, and in-memory mocks of both.
package driver

import "context"

// Client is the unified interface for hardware communications. Raw values
// are hardware-register values; unit conversion happens above this layer.
type Client interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Single-tag operations
	ReadTag(ctx context.Context, addr string) (float64, error)
	WriteTag(ctx context.Context, addr string, value float64) error
}

// BatchReader is implemented by clients whose transport round-trips the
// whole tag set in one call. The poll loop prefers it over per-tag reads.
type BatchReader interface {
	ReadAll(ctx context.Context) (map[string]float64, error)
}
