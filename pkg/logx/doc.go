// Package logx configures mutebot's structured logging.
//
// It wraps zerolog in a small value type (logx.Logger) so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON-structured
//   - level and sinks can be swapped at runtime (config hot reload)
package logx
