// Package cli is responsible for parsing command-line arguments, validating
// user input and mapping failures to process exit codes. It translates CLI
// flags into the application's per-invocation configuration.
package cli
