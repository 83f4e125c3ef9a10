// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a console encoder writing to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV/WithFields),
//   - level configuration and parsing utilities,
//   - key-value helpers (DebugKV, InfoKV, WarnKV, ErrorKV).
//
// Every pipeline stage accepts a context and extracts the logger from it,
// so run identifiers and component names follow the call chain.
package logger
