// Package mapfile loads a response map from a YAML, JSON or TOML file.
//
// A YAML file is either a mapping of pattern to rule, kept in declaration
// order, or a list of {pattern, rule} items. TOML files use [[rule]] tables
// with pattern and rule keys. Rules reference Go functions by name through a
// Registry.
package mapfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/relaypoint/devserve/internal/config"
	"github.com/relaypoint/devserve/internal/mapping"
)

// Format is a map file syntax.
type Format string

const (
	YAML Format = "yaml"
	TOML Format = "toml"
)

// FormatOf picks the format from a file extension. JSON is read as YAML.
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml", ".json":
		return YAML, nil
	case ".toml":
		return TOML, nil
	}
	return "", fmt.Errorf("unsupported map file type %q", filepath.Ext(name))
}

// Load reads and compiles the map file at path. Every failure is a
// *config.Error.
func Load(path string, reg *Registry, logger *slog.Logger) ([]mapping.Entry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	format, err := FormatOf(path)
	if err != nil {
		return nil, &config.Error{Err: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &config.Error{Err: fmt.Errorf("failed to read map file: %w", err)}
	}

	entries, err := Parse(data, format, reg)
	if err != nil {
		return nil, &config.Error{Err: fmt.Errorf("map file %s: %w", path, err)}
	}

	logger.Info("loaded response map", "file", path, "patterns", len(entries))
	for _, e := range entries {
		logger.Debug("map pattern", "pattern", e.Pattern.String(), "rule", fmt.Sprintf("%T", e.Rule))
	}
	return entries, nil
}

// Parse compiles map file content.
func Parse(data []byte, format Format, reg *Registry) ([]mapping.Entry, error) {
	if reg == nil {
		reg = NewRegistry()
	}

	var (
		items []item
		err   error
	)
	switch format {
	case YAML:
		items, err = parseYAML(data)
	case TOML:
		items, err = parseTOML(data)
	default:
		err = fmt.Errorf("unsupported map format %q", format)
	}
	if err != nil {
		return nil, err
	}

	c := compiler{reg: reg}
	entries := make([]mapping.Entry, 0, len(items))
	for _, it := range items {
		rule, err := c.rule(it.Rule)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", it.Pattern, err)
		}
		e, err := mapping.Compile(it.Pattern, rule)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type item struct {
	Pattern string `yaml:"pattern" toml:"pattern"`
	Rule    any    `yaml:"rule" toml:"rule"`
}

func parseYAML(data []byte) ([]item, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	switch root.Kind {
	case yaml.MappingNode:
		items := make([]item, 0, len(root.Content)/2)
		for i := 0; i+1 < len(root.Content); i += 2 {
			key, val := root.Content[i], root.Content[i+1]
			if key.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: pattern must be a string", key.Line)
			}
			var rule any
			if err := val.Decode(&rule); err != nil {
				return nil, fmt.Errorf("line %d: %w", val.Line, err)
			}
			items = append(items, item{Pattern: key.Value, Rule: rule})
		}
		return items, nil

	case yaml.SequenceNode:
		var items []item
		if err := root.Decode(&items); err != nil {
			return nil, err
		}
		return items, nil
	}

	return nil, fmt.Errorf("line %d: map must be a mapping or a list", root.Line)
}

func parseTOML(data []byte) ([]item, error) {
	var doc struct {
		Rule []item `toml:"rule"`
	}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, err
	}
	return doc.Rule, nil
}
