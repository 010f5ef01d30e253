// Package bucket defines the named response-bucket store backing the cache
// strategies. Entries are keyed by request identity (method + URL) and hold a
// full response snapshot (status, headers, body). The disk implementation uses
// temp file + rename for atomic writes and snappy for body compression; a
// memory implementation serves tests, and an optional LRU hot tier can be
// layered over either. Entries never expire individually — whole buckets are
// dropped when the lifecycle manager replaces a cache version.
package bucket
