// Package scheduler claims ready work from the shared store, runs it on a
// bounded executor and returns it to the waiting set when it finishes or
// goes missing.
//
// Acquisition owns the claim and completion path. ZombieCleanup handles runs
// that stalled on this pod; OrphanCleanup handles claims left behind by any
// pod. Both retire local records through the same compare-and-delete, so a
// run's permit is released once no matter which path gets there first.
package scheduler
