// Package logx configures fwcore's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Repetitive warnings bounded (Throttle, token bucket per call site)
package logx
