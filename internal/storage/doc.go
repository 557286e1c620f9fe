// Package storage is the shared work-state store.
//
// Two sorted sets hold the schedule: "waiting" (score = next eligible epoch
// second) and "working" (score = claim expiry epoch second). Every operation
// that touches both sets runs atomically, either as a Redis Lua script or as
// a single SQLite transaction, so an id is never observed in both.
//
// Pod membership and the orphan-cleanup leadership key live in the same
// store, each with a store-enforced expiry.
package storage
