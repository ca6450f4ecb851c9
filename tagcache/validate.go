package tagcache

import (
	"sprayd/tagmap"
)

// validate checks a proposed write against the tag's declared constraints.
// Internal tags skip validation entirely; they carry process bookkeeping
// rather than operator input.
func validate(def *tagmap.Definition, v Value) error {
	if def.Internal {
		return nil
	}

	if !def.Access.Writable() {
		return validationErr(def.Path, "tag is read-only")
	}

	if err := checkType(def, v); err != nil {
		return err
	}

	if min, max, ok := def.HasRange(); ok && v.IsNumeric() {
		if v.Float() < min || v.Float() > max {
			return validationErr(def.Path, "value %v outside range [%v, %v]", v.Float(), min, max)
		}
	}

	if len(def.Options) > 0 && v.Kind() == KindString {
		if !contains(def.Options, v.Str()) {
			return validationErr(def.Path, "value %q not in options %v", v.Str(), def.Options)
		}
	}

	if len(def.Speeds) > 0 && v.Kind() == KindString {
		if _, ok := def.Speeds[v.Str()]; !ok {
			return validationErr(def.Path, "unknown speed %q", v.Str())
		}
	}

	return nil
}

// checkType enforces the declared data type. Integers are accepted where a
// float is declared; speed-table tags accept their labels as strings.
func checkType(def *tagmap.Definition, v Value) error {
	switch def.Type {
	case tagmap.TypeFloat:
		if !v.IsNumeric() {
			return validationErr(def.Path, "expects %s, got %s", def.Type, v.Kind())
		}
	case tagmap.TypeInteger:
		if v.Kind() == KindString && len(def.Speeds) > 0 {
			return nil
		}
		if !v.IsNumeric() {
			return validationErr(def.Path, "expects %s, got %s", def.Type, v.Kind())
		}
	case tagmap.TypeBool:
		if v.Kind() != KindBool {
			return validationErr(def.Path, "expects %s, got %s", def.Type, v.Kind())
		}
	case tagmap.TypeString:
		if v.Kind() != KindString {
			return validationErr(def.Path, "expects %s, got %s", def.Type, v.Kind())
		}
	}
	return nil
}

func contains(opts []string, s string) bool {
	for _, o := range opts {
		if o == s {
			return true
		}
	}
	return false
}
