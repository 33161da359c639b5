// Package pkg provides shared utilities for the softdfu device stack.
//
// This package contains common functionality used across the device
// framework, the DFU class driver, and the host-side client, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for the control pipe and for function drivers
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDFU, "download staged", "block", 3)
//
// A colourised console format is available for interactive tools:
//
//	pkg.SetLogFormat(pkg.LogFormatConsole)
//
// # Errors
//
// Function drivers report conditions through sentinel values that the
// framework inspects with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrNotFound) {
//	    // request belongs to someone else, try the next function
//	}
package pkg
