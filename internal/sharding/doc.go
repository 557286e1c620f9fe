// Package sharding maps work-item identifiers onto pod indexes.
//
// A KeyExtractor reduces an identifier to a partition key and a Strategy
// assigns that key to one of podCount owners. Both are pure and deterministic
// so every pod reaches the same decision without coordination.
package sharding
