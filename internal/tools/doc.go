// Package tools provides host primitives shared by convergence modules.
//
// Ownership boundary:
// - command execution helpers
//
// - idempotent file, directory, link, and ownership primitives
package tools
