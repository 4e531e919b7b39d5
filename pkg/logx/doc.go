// Package logx configures promptq's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// The zero value of Logger is a safe no-op, so library packages can carry a
// Logger field without nil checks.
package logx
