// Package drivers groups database/sql driver registrations so the heavier
// engines stay out of go test and go vet runs unless a binary explicitly
// imports this package.
package drivers

// Ready is a no-op helper used by main packages to make the import
// explicit.  Calling Ready from init documents why the package is pulled
// in without introducing any other side effect.
func Ready() {}
