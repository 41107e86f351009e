// Package app wires the install pipeline together. It owns the logger, the
// formula index and every collaborator of the installer, and is decoupled
// from any entrypoint like the CLI.
package app
