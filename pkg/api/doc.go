// Package api defines the public types of the stagerun engine: the
// lifecycle states and their transition table, the Workflow and Transition
// records, the Engine interface, and the Observer hooks for logging and
// metrics.
//
// Most programs import the root stagerun package, which re-exports
// everything here; api exists so the internal engine, pool and
// persistence packages can share these types without import cycles.
package api
