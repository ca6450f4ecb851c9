package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TagSpec is a single tag definition leaf in the tag configuration
// document. A leaf is recognized by the presence of a "mapped" key;
// everything above it is grouping structure.
type TagSpec struct {
	Mapped   bool           `yaml:"mapped"`
	PLCTag   string         `yaml:"plc_tag,omitempty"`
	SSH      *SSHTagSpec    `yaml:"ssh,omitempty"`
	Type     string         `yaml:"type"`
	Access   string         `yaml:"access"`
	Unit     string         `yaml:"unit,omitempty"`
	Range    []float64      `yaml:"range,omitempty"`
	Options  []string       `yaml:"options,omitempty"`
	Speeds   map[string]int `yaml:"speeds,omitempty"`
	Scaling  string         `yaml:"scaling,omitempty"`
	Internal bool           `yaml:"internal,omitempty"`
}

// SSHTagSpec names the feeder P-variable backing a tag.
type SSHTagSpec struct {
	FreqVar string `yaml:"freq_var"`
}

// TagDocument is the parsed tag configuration: logical dotted path to spec.
// Grouping structure in the YAML (arbitrary nesting depth) is flattened at
// load time; consumers only ever see full dotted paths.
type TagDocument struct {
	Tags map[string]TagSpec
}

// LoadTagDocument reads and flattens a tag configuration YAML file.
func LoadTagDocument(path string) (*TagDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTagDocument(data)
}

// ParseTagDocument flattens tag configuration YAML into dotted paths.
func ParseTagDocument(data []byte) (*TagDocument, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse tag document: %w", err)
	}

	doc := &TagDocument{Tags: make(map[string]TagSpec)}
	if len(root.Content) == 0 {
		return doc, nil
	}
	if err := flattenTags("", root.Content[0], doc.Tags); err != nil {
		return nil, err
	}
	return doc, nil
}

// flattenTags walks a mapping node accumulating dotted paths. A mapping
// that contains a "mapped" key is decoded as a TagSpec leaf; any other
// mapping is a group and is recursed into.
func flattenTags(prefix string, node *yaml.Node, out map[string]TagSpec) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("tag document: %q is not a mapping (line %d)", prefix, node.Line)
	}
	if isTagLeaf(node) {
		var spec TagSpec
		if err := node.Decode(&spec); err != nil {
			return fmt.Errorf("tag %q: %w", prefix, err)
		}
		out[prefix] = spec
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if err := flattenTags(path, node.Content[i+1], out); err != nil {
			return err
		}
	}
	return nil
}

func isTagLeaf(node *yaml.Node) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "mapped" {
			return true
		}
	}
	return false
}
