package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"sprayd/config"
	"sprayd/logging"
)

// PLC is a Modbus/TCP client for the process PLC. The register map file
// binds hardware tag names to holding-register addresses; reads are span
// batched so a full-table poll costs a few requests.
type PLC struct {
	cfg   config.PLCConfig
	tags  []RegisterTag
	byTag map[string]RegisterTag
	spans []registerSpan
	log   zerolog.Logger

	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool
}

// NewPLC builds a PLC client from configuration. The register map file is
// loaded immediately; the connection waits for Connect.
func NewPLC(cfg config.PLCConfig) (*PLC, error) {
	tags, err := LoadRegisterMap(cfg.TagFile)
	if err != nil {
		return nil, fmt.Errorf("plc register map: %w", err)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("plc register map %s: no tags", cfg.TagFile)
	}

	byTag := make(map[string]RegisterTag, len(tags))
	for _, t := range tags {
		byTag[t.Name] = t
	}
	return &PLC{
		cfg:   cfg,
		tags:  tags,
		byTag: byTag,
		spans: planSpans(tags),
		log:   logging.Component("plc"),
	}, nil
}

// Connect opens the Modbus session and performs one batched read to
// confirm connectivity.
func (p *PLC) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}

	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", p.cfg.IP, p.cfg.Port))
	handler.Timeout = p.cfg.Timeout
	handler.SlaveId = 1
	if err := handler.Connect(); err != nil {
		p.mu.Unlock()
		return hwErr("plc", "connect", "", fmt.Errorf("%w: %v", ErrConnection, err))
	}
	p.handler = handler
	p.client = modbus.NewClient(handler)
	p.connected = true
	p.mu.Unlock()

	if _, err := p.ReadAll(ctx); err != nil {
		p.Disconnect()
		return hwErr("plc", "connect", "", fmt.Errorf("%w: verification read: %v", ErrConnection, err))
	}
	p.log.Info().Str("addr", handler.Address).Int("tags", len(p.tags)).Msg("connected")
	return nil
}

// Disconnect drops the session. Safe to call when not connected.
func (p *PLC) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler != nil {
		p.handler.Close()
		p.handler = nil
	}
	p.client = nil
	p.connected = false
	return nil
}

// IsConnected reports whether a session is open.
func (p *PLC) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// ReadAll reads every tag in the register map in span-batched requests.
func (p *PLC) ReadAll(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, hwErr("plc", "read", "", ErrNotConnected)
	}

	out := make(map[string]float64, len(p.tags))
	for _, span := range p.spans {
		if err := ctx.Err(); err != nil {
			return nil, hwErr("plc", "read", "", err)
		}
		data, err := p.client.ReadHoldingRegisters(span.start, span.count)
		if err != nil {
			return nil, hwErr("plc", "read", "", err)
		}
		if len(data) < int(span.count)*2 {
			return nil, hwErr("plc", "read", "", fmt.Errorf("short response: %d bytes for %d registers", len(data), span.count))
		}
		for _, tag := range span.tags {
			off := int(tag.Address-span.start) * 2
			raw := binary.BigEndian.Uint16(data[off : off+2])
			out[tag.Name] = decodeRegister(raw, tag.Type)
		}
	}
	return out, nil
}

// ReadTag reads a single tag. The transport still round-trips the full
// table, which is why polling and caching live above this layer.
func (p *PLC) ReadTag(ctx context.Context, addr string) (float64, error) {
	if _, ok := p.byTag[addr]; !ok {
		return 0, hwErr("plc", "read", addr, fmt.Errorf("tag not in register map"))
	}
	all, err := p.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return all[addr], nil
}

// WriteTag writes a single holding register.
func (p *PLC) WriteTag(ctx context.Context, addr string, value float64) error {
	tag, ok := p.byTag[addr]
	if !ok {
		return hwErr("plc", "write", addr, fmt.Errorf("tag not in register map"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return hwErr("plc", "write", addr, ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return hwErr("plc", "write", addr, err)
	}
	if _, err := p.client.WriteSingleRegister(tag.Address, encodeRegister(value, tag.Type)); err != nil {
		return hwErr("plc", "write", addr, err)
	}
	p.log.Debug().Str("tag", addr).Float64("value", value).Msg("register written")
	return nil
}

// Tags returns the hardware tag names known to this client.
func (p *PLC) Tags() []string {
	out := make([]string, 0, len(p.tags))
	for _, t := range p.tags {
		out = append(out, t.Name)
	}
	return out
}

func decodeRegister(raw uint16, typ string) float64 {
	switch typ {
	case "int16":
		return float64(int16(raw))
	case "bool":
		if raw != 0 {
			return 1
		}
		return 0
	default:
		return float64(raw)
	}
}

func encodeRegister(value float64, typ string) uint16 {
	switch typ {
	case "int16":
		return uint16(int16(value))
	case "bool":
		if value != 0 {
			return 1
		}
		return 0
	default:
		return uint16(value)
	}
}
