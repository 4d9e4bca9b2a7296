// Package logx is nudgebot's structured logging.
//
// A thin value-type wrapper (logx.Logger) over zerolog:
//   - console output with short timestamp and caller
//   - JSON file output
//   - an optional ops sink that forwards warnings to an operator chat
package logx
