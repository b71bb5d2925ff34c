package render

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Entry is one key of a Map. Value is a scalar, a slice of scalars, or *Map.
type Entry struct {
	Key   string
	Value any
}

// Map is a string-keyed mapping that remembers insertion order.
type Map struct {
	entries []Entry
	index   map[string]int
}

// NewMap returns an empty ordered map.
func NewMap() *Map {
	return &Map{index: make(map[string]int)}
}

// Of builds a map from alternating key/value arguments.
func Of(pairs ...any) *Map {
	if len(pairs)%2 != 0 {
		panic("render.Of: odd number of arguments")
	}
	m := NewMap()
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("render.Of: key %v is not a string", pairs[i]))
		}
		m.Set(key, pairs[i+1])
	}
	return m
}

// Set stores value under key. An existing key keeps its position.
func (m *Map) Set(key string, value any) *Map {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.entries[i].Value = value
		return m
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: key, Value: value})
	return m
}

func (m *Map) Get(key string) (any, bool) {
	if m == nil || m.index == nil {
		return nil, false
	}
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.entries[i].Value, true
}

// Delete removes key, preserving the order of the remaining entries.
func (m *Map) Delete(key string) {
	if m == nil || m.index == nil {
		return
	}
	i, ok := m.index[key]
	if !ok {
		return
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	delete(m.index, key)
	for j := i; j < len(m.entries); j++ {
		m.index[m.entries[j].Key] = j
	}
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns the entries in insertion order.
func (m *Map) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		keys = append(keys, e.Key)
	}
	return keys
}

// Clone deep-copies nested maps.
func (m *Map) Clone() *Map {
	out := NewMap()
	if m == nil {
		return out
	}
	for _, e := range m.entries {
		if child, ok := e.Value.(*Map); ok {
			out.Set(e.Key, child.Clone())
			continue
		}
		out.Set(e.Key, e.Value)
	}
	return out
}

// Merge overlays other onto a copy of m. Nested maps merge recursively; new
// keys are appended after the existing ones.
func (m *Map) Merge(other *Map) *Map {
	out := m.Clone()
	if other == nil {
		return out
	}
	for _, e := range other.entries {
		if child, ok := e.Value.(*Map); ok {
			if existing, ok := out.Get(e.Key); ok {
				if base, ok := existing.(*Map); ok {
					out.Set(e.Key, base.Merge(child))
					continue
				}
			}
			out.Set(e.Key, child.Clone())
			continue
		}
		out.Set(e.Key, e.Value)
	}
	return out
}

// UnmarshalYAML decodes a YAML mapping keeping document order.
func (m *Map) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("render: expected mapping at line %d, got %s", node.Line, kindName(node.Kind))
	}
	*m = Map{index: make(map[string]int)}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		var key string
		if err := keyNode.Decode(&key); err != nil {
			return err
		}
		value, err := decodeValue(valueNode)
		if err != nil {
			return fmt.Errorf("render: key %q: %w", key, err)
		}
		m.Set(key, value)
	}
	return nil
}

func decodeValue(node *yaml.Node) (any, error) {
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	switch node.Kind {
	case yaml.MappingNode:
		child := NewMap()
		if err := child.UnmarshalYAML(node); err != nil {
			return nil, err
		}
		return child, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// MarshalYAML encodes the map as an ordered YAML mapping.
func (m *Map) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if m == nil {
		return node, nil
	}
	for _, e := range m.entries {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Key}
		valueNode := &yaml.Node{}
		if err := valueNode.Encode(e.Value); err != nil {
			return nil, fmt.Errorf("render: key %q: %w", e.Key, err)
		}
		node.Content = append(node.Content, keyNode, valueNode)
	}
	return node, nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
