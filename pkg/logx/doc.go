// Package logx configures agentsched's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller), or JSON for log shippers
//   - File output JSON-structured
//   - Levels and sinks swappable at runtime via Service.Apply
package logx
