// Package render turns attribute maps into configuration text.
//
// Ownership boundary:
// - insertion-ordered attribute maps
// - key=value properties rendering and parsing
// - YAML documents and text templates for scripts and service files
package render
