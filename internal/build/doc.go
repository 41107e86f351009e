// Package build turns an acquired artifact into a populated staging
// directory: bottles are poured (extracted), sources and head checkouts are
// built by interpreting the formula's declarative build steps.
//
// Every build runs in a fresh working directory created for it alone. Step
// attributes are HCL expressions evaluated against the build's directories
// and options, so a step can write to ${bin} or ${share}/<name> without
// knowing where the staging directory lives. Anything a step would write
// outside the staging directory is rejected.
package build
