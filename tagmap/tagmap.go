// Package tagmap maintains the bidirectional mapping between logical tag
// paths (e.g. "gas_control.main_flow.setpoint") and hardware addresses
// (PLC tag names or feeder P-variables).
package tagmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"sprayd/config"
	"sprayd/logging"
)

// ErrUnknownTag is returned when a logical path or hardware address is
// absent from the current mapping table.
var ErrUnknownTag = errors.New("unknown tag")

// Transport identifies which hardware client owns a tag.
type Transport int

const (
	TransportPLC Transport = iota
	TransportFeeder
)

func (t Transport) String() string {
	if t == TransportFeeder {
		return "feeder"
	}
	return "plc"
}

// DataType is the declared engineering-unit type of a tag value.
type DataType string

const (
	TypeFloat   DataType = "float"
	TypeInteger DataType = "integer"
	TypeBool    DataType = "bool"
	TypeString  DataType = "string"
)

// Access describes the permitted directions for a tag.
type Access string

const (
	AccessRead      Access = "read"
	AccessReadWrite Access = "read/write"
)

// Writable reports whether writes are permitted.
func (a Access) Writable() bool { return a == AccessReadWrite }

// ScalingMode selects the raw↔engineering conversion rule.
type ScalingMode string

const (
	ScalingNone     ScalingMode = ""
	Scaling12BitLin ScalingMode = "12bit_linear"
	Scaling12BitDAC ScalingMode = "12bit_dac"
)

// Definition is the resolved metadata for one mapped tag.
type Definition struct {
	Path      string
	HWAddress string
	Transport Transport
	Type      DataType
	Access    Access
	Unit      string
	Range     []float64 // [min, max] when present
	Options   []string
	Speeds    map[string]int
	Scaling   ScalingMode
	Internal  bool
}

// Group returns the top-level namespace segment of the path, e.g.
// "gas_control" for "gas_control.main_flow.setpoint".
func (d *Definition) Group() string {
	if i := strings.IndexByte(d.Path, '.'); i >= 0 {
		return d.Path[:i]
	}
	return d.Path
}

// HasRange reports whether the definition carries inclusive numeric bounds.
func (d *Definition) HasRange() (min, max float64, ok bool) {
	if len(d.Range) != 2 {
		return 0, 0, false
	}
	return d.Range[0], d.Range[1], true
}

// RangeMax returns the engineering-unit ceiling used by 12-bit scaling.
func (d *Definition) RangeMax() float64 {
	if len(d.Range) == 2 {
		return d.Range[1]
	}
	return 0
}

// Table is an immutable snapshot of the tag mapping. Readers never observe
// a partially built table; Mapper swaps whole tables atomically.
type Table struct {
	byPath map[string]*Definition
	byHW   map[string]*Definition
}

// Build constructs a Table from a flattened tag document. Tags not marked
// mapped are ignored; mapped tags with neither a PLC address nor a feeder
// P-variable are skipped with a warning. A hardware address claimed by two
// logical paths is a configuration error.
func Build(doc *config.TagDocument) (*Table, error) {
	log := logging.Component("tagmap")

	t := &Table{
		byPath: make(map[string]*Definition),
		byHW:   make(map[string]*Definition),
	}

	// Deterministic iteration so duplicate-address errors are stable.
	paths := make([]string, 0, len(doc.Tags))
	for path := range doc.Tags {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		spec := doc.Tags[path]
		if !spec.Mapped {
			continue
		}

		def := &Definition{
			Path:     path,
			Type:     DataType(spec.Type),
			Access:   Access(spec.Access),
			Unit:     spec.Unit,
			Range:    spec.Range,
			Options:  spec.Options,
			Speeds:   spec.Speeds,
			Scaling:  ScalingMode(spec.Scaling),
			Internal: spec.Internal,
		}
		switch {
		case spec.PLCTag != "":
			def.HWAddress = spec.PLCTag
			def.Transport = TransportPLC
		case spec.SSH != nil && spec.SSH.FreqVar != "":
			def.HWAddress = spec.SSH.FreqVar
			def.Transport = TransportFeeder
		default:
			log.Warn().Str("tag", path).Msg("mapped tag has no hardware address, skipping")
			continue
		}

		if prev, dup := t.byHW[def.HWAddress]; dup {
			return nil, fmt.Errorf("hardware address %q claimed by both %q and %q",
				def.HWAddress, prev.Path, path)
		}
		t.byPath[path] = def
		t.byHW[def.HWAddress] = def
	}

	log.Debug().Int("mapped", len(t.byPath)).Msg("tag mapping built")
	return t, nil
}

// ToHardware resolves a logical path to its hardware address.
func (t *Table) ToHardware(path string) (string, error) {
	def, ok := t.byPath[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTag, path)
	}
	return def.HWAddress, nil
}

// ToPath resolves a hardware address to its logical path. Poll loops use
// this to classify incoming register names; callers skip ErrUnknownTag
// because unmapped hardware registers are expected.
func (t *Table) ToPath(hwAddr string) (string, error) {
	def, ok := t.byHW[hwAddr]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTag, hwAddr)
	}
	return def.Path, nil
}

// Definition returns the metadata for a logical path.
func (t *Table) Definition(path string) (*Definition, error) {
	def, ok := t.byPath[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, path)
	}
	return def, nil
}

// IsPLCTag reports whether the path is backed by the PLC client.
func (t *Table) IsPLCTag(path string) bool {
	def, ok := t.byPath[path]
	return ok && def.Transport == TransportPLC
}

// IsFeederTag reports whether the path is backed by the feeder client.
func (t *Table) IsFeederTag(path string) bool {
	def, ok := t.byPath[path]
	return ok && def.Transport == TransportFeeder
}

// Paths returns all mapped logical paths, sorted.
func (t *Table) Paths() []string {
	out := make([]string, 0, len(t.byPath))
	for p := range t.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of mapped tags.
func (t *Table) Len() int { return len(t.byPath) }

// Mapper holds the current Table and swaps it atomically on rebuild so
// concurrent readers see either the old or the new mapping, never a mix.
type Mapper struct {
	table atomic.Pointer[Table]
}

// NewMapper builds the initial table from the document.
func NewMapper(doc *config.TagDocument) (*Mapper, error) {
	m := &Mapper{}
	if err := m.Rebuild(doc); err != nil {
		return nil, err
	}
	return m, nil
}

// Rebuild replaces the mapping from a fresh document. On error the
// existing table is left in place.
func (m *Mapper) Rebuild(doc *config.TagDocument) error {
	t, err := Build(doc)
	if err != nil {
		return err
	}
	m.table.Store(t)
	return nil
}

// Table returns the current immutable snapshot.
func (m *Mapper) Table() *Table { return m.table.Load() }

// ToHardware resolves a logical path against the current table.
func (m *Mapper) ToHardware(path string) (string, error) { return m.Table().ToHardware(path) }

// ToPath resolves a hardware address against the current table.
func (m *Mapper) ToPath(hwAddr string) (string, error) { return m.Table().ToPath(hwAddr) }

// Definition returns metadata for a path against the current table.
func (m *Mapper) Definition(path string) (*Definition, error) { return m.Table().Definition(path) }
