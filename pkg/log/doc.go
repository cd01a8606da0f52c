// Package log provides the global zerolog-based logger for cephvol,
// with console output for interactive use and JSON output for
// production, plus child-logger helpers for common fields.
package log
