package slonik

// Version returns the current library version.
//
// This version follows semantic versioning (semver) principles.
// During development, it returns "v0.0.0-dev".
func Version() string { return "v0.0.0-dev" }
