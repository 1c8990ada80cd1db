package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported rules format")
	ErrNotObject         = errors.New("rules must be an object keyed by rule name")
	ErrMissingField      = errors.New("rule is missing a required field")
)

// Loaded is the outcome of reading a rule definition source. Set is never
// nil; when Err is set the source was missing or malformed and Set is empty.
type Loaded struct {
	Set  *RuleSet
	Path string
	Err  error
}

// Degraded reports whether the rules fell back to the empty set.
func (l Loaded) Degraded() bool {
	return l.Err != nil
}

// Load reads the rules at path. It never fails: problems are carried in
// Loaded.Err next to an empty set, so classification keeps running and
// reports every message as unmatched.
func Load(path string) Loaded {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	set, err := ReadFile(path)
	if err != nil {
		return Loaded{Set: Empty(), Path: path, Err: err}
	}
	return Loaded{Set: set, Path: path}
}

// ReadFile is the strict counterpart of Load.
func ReadFile(path string) (*RuleSet, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	set, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return set, nil
}

// FormatFromPath picks the format from the file extension. Files without a
// known extension are read as JSON.
func FormatFromPath(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// Parse decodes a rule definition document, keeping the order in which the
// rules are written. Every rule needs string "sender" and "header" fields.
func Parse(data []byte, format Format) (*RuleSet, error) {
	var (
		list []Rule
		err  error
	)
	switch format {
	case FormatJSON:
		list, err = parseJSON(data)
	case FormatYAML:
		list, err = parseYAML(data)
	case FormatTOML:
		list, err = parseTOML(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return New(list...), nil
}

type definition struct {
	Sender *string `json:"sender" yaml:"sender" toml:"sender"`
	Header *string `json:"header" yaml:"header" toml:"header"`
}

func (d definition) rule(name string) (Rule, error) {
	if d.Sender == nil {
		return Rule{}, fmt.Errorf("rule %q: %w: sender", name, ErrMissingField)
	}
	if d.Header == nil {
		return Rule{}, fmt.Errorf("rule %q: %w: header", name, ErrMissingField)
	}
	return Rule{Name: name, Sender: *d.Sender, Header: *d.Header}, nil
}

func parseJSON(data []byte) ([]Rule, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrNotObject
	}

	var list []Rule
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read json: %w", err)
		}
		name, _ := tok.(string)

		var def definition
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}
		r, err := def.rule(name)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read json: unexpected data after rules object")
	}

	return list, nil
}

func parseYAML(data []byte) ([]Rule, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("read yaml: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, ErrNotObject
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, ErrNotObject
	}

	list := make([]Rule, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		if value.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("rule %q: expected a mapping, got %s", key.Value, value.Tag)
		}
		var def definition
		if err := value.Decode(&def); err != nil {
			return nil, fmt.Errorf("rule %q: %w", key.Value, err)
		}
		r, err := def.rule(key.Value)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, nil
}

func parseTOML(data []byte) ([]Rule, error) {
	var defs map[string]definition
	md, err := toml.Decode(string(data), &defs)
	if err != nil {
		return nil, fmt.Errorf("read toml: %w", err)
	}

	// map iteration has no order; the metadata keeps document order
	seen := make(map[string]bool, len(defs))
	list := make([]Rule, 0, len(defs))
	for _, key := range md.Keys() {
		if len(key) == 0 || seen[key[0]] {
			continue
		}
		name := key[0]
		seen[name] = true
		r, err := defs[name].rule(name)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, nil
}
