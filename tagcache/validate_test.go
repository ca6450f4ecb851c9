package tagcache

import (
	"errors"
	"strings"
	"testing"

	"sprayd/tagmap"
)

func writableFloat() *tagmap.Definition {
	return &tagmap.Definition{
		Path:   "gas_control.main_flow.setpoint",
		Type:   tagmap.TypeFloat,
		Access: tagmap.AccessReadWrite,
		Range:  []float64{0, 100},
	}
}

func TestValidateRange(t *testing.T) {
	def := writableFloat()

	tests := []struct {
		name  string
		value Value
		ok    bool
	}{
		{"Min", Float(0), true},
		{"Max", Float(100), true},
		{"Mid", Float(42.5), true},
		{"IntForFloat", Int(50), true},
		{"BelowMin", Float(-0.001), false},
		{"AboveMax", Float(100.001), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validate(def, tc.value)
			if tc.ok && err != nil {
				t.Errorf("validate(%v) = %v, want nil", tc.value, err)
			}
			if !tc.ok {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("validate(%v) = %v, want ValidationError", tc.value, err)
				}
			}
		})
	}
}

func TestValidateReadOnly(t *testing.T) {
	def := writableFloat()
	def.Access = tagmap.AccessRead

	var ve *ValidationError
	if err := validate(def, Float(1)); !errors.As(err, &ve) {
		t.Fatalf("validate = %v, want ValidationError", err)
	}
	if !strings.Contains(ve.Reason, "read-only") {
		t.Errorf("reason = %q", ve.Reason)
	}
}

func TestValidateType(t *testing.T) {
	tests := []struct {
		name  string
		def   *tagmap.Definition
		value Value
		ok    bool
	}{
		{
			"StringForFloat",
			writableFloat(),
			String("fast"),
			false,
		},
		{
			"BoolForFloat",
			writableFloat(),
			Bool(true),
			false,
		},
		{
			"FloatForBool",
			&tagmap.Definition{Path: "v", Type: tagmap.TypeBool, Access: tagmap.AccessReadWrite},
			Float(1),
			false,
		},
		{
			"BoolForBool",
			&tagmap.Definition{Path: "v", Type: tagmap.TypeBool, Access: tagmap.AccessReadWrite},
			Bool(true),
			true,
		},
		{
			"SpeedLabelForInteger",
			&tagmap.Definition{
				Path: "f", Type: tagmap.TypeInteger, Access: tagmap.AccessReadWrite,
				Speeds: map[string]int{"low": 200},
			},
			String("low"),
			true,
		},
		{
			"UnknownSpeedLabel",
			&tagmap.Definition{
				Path: "f", Type: tagmap.TypeInteger, Access: tagmap.AccessReadWrite,
				Speeds: map[string]int{"low": 200},
			},
			String("ludicrous"),
			false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validate(tc.def, tc.value)
			if tc.ok != (err == nil) {
				t.Errorf("validate(%v) = %v, want ok=%v", tc.value, err, tc.ok)
			}
		})
	}
}

func TestValidateOptions(t *testing.T) {
	def := &tagmap.Definition{
		Path:    "nozzle_control.select",
		Type:    tagmap.TypeString,
		Access:  tagmap.AccessReadWrite,
		Options: []string{"nozzle1", "nozzle2"},
	}

	if err := validate(def, String("nozzle2")); err != nil {
		t.Errorf("validate(nozzle2) = %v", err)
	}
	if err := validate(def, String("nozzle9")); err == nil {
		t.Error("expected ValidationError for option outside the set")
	}
}

func TestValidateInternalSkipsAll(t *testing.T) {
	def := writableFloat()
	def.Access = tagmap.AccessRead
	def.Internal = true

	// Internal tags bypass every check, including access.
	if err := validate(def, Float(1e9)); err != nil {
		t.Errorf("validate on internal tag = %v, want nil", err)
	}
}
