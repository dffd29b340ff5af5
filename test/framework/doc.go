// Package framework hosts multi-agent bus tests in one process. A Fleet
// owns a temp pool root; Spawn assembles agents from the same pieces
// `partyline serve` wires together, each with its own store handle so the
// filesystem stays the only shared state. Stop is a clean exit, Crash an
// abandonment that leaves records and leases for the janitor.
package framework
