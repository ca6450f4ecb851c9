package tagcache

import (
	"fmt"
	"math"

	"sprayd/tagmap"
)

// dacMax is the full-scale count of the 12-bit converters on the gas and
// pressure channels.
const dacMax = 4095

// toHardware converts an engineering-unit value to the raw register value
// for the tag's scaling rule. Callers validate first; this conversion
// assumes the value already passed its constraints.
func toHardware(def *tagmap.Definition, v Value) (float64, error) {
	switch def.Scaling {
	case tagmap.Scaling12BitLin, tagmap.Scaling12BitDAC:
		max := def.RangeMax()
		if max <= 0 {
			return 0, fmt.Errorf("%s: 12-bit scaling requires a positive range max", def.Path)
		}
		return math.Round(v.Float() * dacMax / max), nil
	}

	if len(def.Speeds) > 0 && v.Kind() == KindString {
		hw, ok := def.Speeds[v.Str()]
		if !ok {
			return 0, fmt.Errorf("%s: unknown speed %q", def.Path, v.Str())
		}
		return float64(hw), nil
	}

	switch v.Kind() {
	case KindBool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	case KindFloat, KindInt:
		return v.Float(), nil
	default:
		return 0, fmt.Errorf("%s: cannot write %s value to hardware", def.Path, v.Kind())
	}
}

// toEngineering converts a raw register value into engineering units per
// the tag's scaling rule and declared type.
func toEngineering(def *tagmap.Definition, raw float64) Value {
	switch def.Scaling {
	case tagmap.Scaling12BitLin, tagmap.Scaling12BitDAC:
		max := def.RangeMax()
		if max <= 0 {
			return Float(raw)
		}
		return Float(raw * max / dacMax)
	}

	if len(def.Speeds) > 0 {
		// Reverse lookup by value. A raw value with no named speed is
		// legitimate hardware state and passes through unchanged.
		for label, hw := range def.Speeds {
			if float64(hw) == raw {
				return String(label)
			}
		}
	}

	switch def.Type {
	case tagmap.TypeInteger:
		return Int(int64(raw))
	case tagmap.TypeBool:
		return Bool(raw != 0)
	default:
		return Float(raw)
	}
}
