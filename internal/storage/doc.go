// Package storage persists the bot's durable state: the destination
// registry, tracked items, poll interval, counters, admins, and an
// append-only audit log.
//
// Records are stored as versioned JSON envelopes keyed by name. Three
// drivers exist: "memory" (tests, ephemeral runs), "file" (one JSON file
// per key plus a JSONL audit log) and "sqlite".
package storage
