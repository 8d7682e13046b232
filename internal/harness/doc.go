// Package harness provides a conformance testing framework for the
// relation-counter engine.
//
// Scenarios are YAML documents that declare a schema (inline CUE), a setup
// section creating records and extra loaded representations, a flow of
// relationship mutations, and assertions on the resulting counter values,
// stored rows, real write counts, and registry state.
//
// Each scenario runs against a fresh in-memory SQLite database with a full
// engine wired in, so scenarios exercise the real notification and
// synchronization paths, not a simulation. The run produces a
// deterministic event trace: record keys are assigned sequentially by
// SQLite, handlers run synchronously, and every trace snapshot sorts its
// keys, so the same scenario always produces a byte-identical trace for
// golden file comparison.
package harness
