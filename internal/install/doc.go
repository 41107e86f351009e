// Package install drives one install run through its states:
//
//	ForbidCheck -> Resolve -> Confirm? -> Acquire -> BuildOrExtract -> StageAndLink -> Done
//
// Any fatal error moves the run to Failed. Entries committed by earlier steps
// of the same run are kept.
//
// Acquisition of every pending step starts as soon as the plan is known and
// runs in the background under the acquirer's concurrency limit. Builds,
// commits and links happen strictly in plan order, so a dependency's entry
// always exists before its dependent is built.
package install
