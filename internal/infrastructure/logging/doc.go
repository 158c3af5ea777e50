// Package logging provides structured logging using uber/zap.
//
// Two modes are offered:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Logs go to stderr by default: when the isolate talks to its host over
// stdio, stdout carries frames.
//
// Script console output is routed through a logger named "script", with
// ScriptLevel mapping console methods to levels.
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	logger.Info("Isolate starting", zap.String("entry", entry))
//	bridgeLog := logger.Component("bridge")
package logging
