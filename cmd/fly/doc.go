// Package main is the entry point for the fly runtime.
//
// fly evaluates JavaScript and TypeScript edge applications inside a goja
// isolate. The isolate owns no I/O of its own: every fetch, cache or data
// operation is a message to a host, and the host delivers fetch and resolve
// events back to listeners the script registers.
//
// Architecture:
//
//	HTTP client → dev host (gin) → bridge → isolate (goja)
//	                   ↑                        ↓
//	          cache, data, fetch  ←  host commands
//
// Commands:
//   - run: connect to a host over stdio, WebSocket or gRPC and serve it
//   - dev: host and isolate in one process, for local development
//   - host: a stand-alone development host isolates can dial
//   - compile: compile modules ahead of time
//
// Configuration:
//   - Environment variables (FLY_*)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Serve ./app on :8080
//	fly dev -C ./app index.ts
//
//	# Isolate dialing a remote host
//	fly run -t ws --host edge.internal:8080 index.js
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
