package render

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnsafeValue   = errors.New("render: value cannot be represented in key=value format")
	ErrDuplicateKey  = errors.New("render: duplicate flattened key")
	ErrMalformedLine = errors.New("render: malformed properties line")
)

// Properties renders m as key=value lines. Nested maps flatten into
// dot-joined keys; output follows insertion order.
func Properties(m *Map) ([]byte, error) {
	var buf bytes.Buffer
	seen := make(map[string]struct{})
	if err := writeProperties(&buf, m, "", seen); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeProperties(buf *bytes.Buffer, m *Map, prefix string, seen map[string]struct{}) error {
	for _, e := range m.Entries() {
		key := e.Key
		if prefix != "" {
			key = prefix + "." + e.Key
		}
		if child, ok := e.Value.(*Map); ok {
			if err := writeProperties(buf, child, key, seen); err != nil {
				return err
			}
			continue
		}
		if err := checkKey(key); err != nil {
			return err
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		seen[key] = struct{}{}

		value := FormatScalar(e.Value)
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%w: %s has a line break", ErrUnsafeValue, key)
		}
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	return nil
}

func checkKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrUnsafeValue)
	case strings.ContainsAny(key, "=\r\n"):
		return fmt.Errorf("%w: key %q", ErrUnsafeValue, key)
	case strings.HasPrefix(strings.TrimSpace(key), "#"):
		return fmt.Errorf("%w: key %q reads as a comment", ErrUnsafeValue, key)
	}
	return nil
}

// FormatScalar renders one value the way it appears on the right of '='.
func FormatScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, FormatScalar(item))
		}
		return strings.Join(parts, ",")
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ParseProperties reads key=value text back into a flat Map. Blank lines and
// lines starting with '#' are skipped; the first '=' separates key and value.
func ParseProperties(data []byte) (*Map, error) {
	m := NewMap()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: line %d: %q", ErrMalformedLine, lineNo, line)
		}
		m.Set(key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}
