// Package internal contains the implementation packages of devloop.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - compiler: esbuild-backed bundler with lifecycle hooks and watch mode
//   - watcher: debounced fsnotify file watching
//   - extract: classification of compile problems into records
//   - format: terminal rendering of records and build summaries
//   - lint, typecheck: linter plugin and type-checker runs
//   - status: the compilation status store and its wire messages
//   - eventstream: the server-sent events endpoint over the store
//   - client: the event stream consumer with reconnection
//   - overlay: the problem overlay state machine and its documents
//   - stackframe, highlight: stack trace mapping and source highlighting
//   - hmr: stylesheet hot updates over a WebSocket
//   - devserver: the HTTP server wiring all of the above
//   - config, logging, errors, version: ambient support
//
// # Data Flow
//
// The compiler fires invalidate and done hooks. The status store folds them
// into snapshots, the event stream pushes every snapshot to connected
// browsers, and each browser's client drives its overlay and hot updates
// from them. The type checker, when asynchronous, reports on a side channel
// keyed by build hash.
package internal
