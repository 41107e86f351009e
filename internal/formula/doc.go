// Package formula defines the immutable package descriptor consumed by the
// install core.
//
// A Formula is produced once per invocation by a loader (see internal/hcl)
// from a Spec. New validates the Spec and deep-copies every field, so the
// resulting value can be shared freely between the resolver, the acquirer,
// the build executor and the store without defensive copies.
//
// A Formula never contains executable logic. Its build procedure is a list of
// declarative Steps whose attributes are unevaluated expressions; the build
// executor interprets them.
package formula
