// Package dag holds the dependency graph of an install: one node per formula
// name, one edge per "depends on" relation. It detects cycles and produces a
// deterministic topological order in which every dependency precedes its
// dependents.
package dag
