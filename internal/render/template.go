package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

var funcs = template.FuncMap{
	"join":  strings.Join,
	"quote": func(s string) string { return fmt.Sprintf("%q", s) },
	"properties": func(m *Map) (string, error) {
		out, err := Properties(m)
		return string(out), err
	},
	"scalar": FormatScalar,
}

// Template renders a text/template body. Missing keys are errors so a typo in
// a recipe never produces a half-empty config file.
func Template(name string, text string, data any) ([]byte, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("render: parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render: execute template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// YAML renders v as a YAML document with two-space indentation.
func YAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("render: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
