// Package install performs guarded installs: archives fetched, verified and
// unpacked once per marker, and OS packages installed only when missing.
package install
