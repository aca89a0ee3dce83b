// Package extension holds the error taxonomy shared by the extension
// engine packages.
//
// The engine is split by concern:
//
//   - manifest: manifest schema, validation pass, and parser
//   - settings: layered settings resolution and persistence
//   - depcheck: host-version floor and inter-extension dependency checks
//   - registry: descriptors and the per-pass descriptor table
//   - loader: entry-point loading (static built-ins, Lua plugins)
//   - orchestrator: discovery pass and two-phase setup
//
// Every error raised for one extension is recorded on that extension's
// descriptor. None of them escape the orchestrator.
package extension
