// Package logging builds the slog loggers used across podforge and carries
// job/task/tenant identifiers through contexts so every component logs the
// same correlation fields.
//
// Construct a logger once at process start with New and thread it explicitly;
// nothing in this package keeps global state.
package logging
