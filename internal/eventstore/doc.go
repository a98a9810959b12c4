// Package eventstore is the low-latency store behind presence and comment
// delivery: a time-indexed comment log with random-access payloads, a presence
// set with per-member expiry, and a per-stream allow-comments flag.
//
// Two backends are provided. RedisStore maps the log onto a sorted set plus a
// hash and uses MULTI/EXEC for paired writes. MemoryStore keeps the same
// semantics in process memory for single-node use and tests.
package eventstore
