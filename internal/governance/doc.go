// Package governance holds the runtime safety controls applied around backend
// calls and by the rate-limit policy: retries with exponential backoff,
// per-attempt timeouts, circuit breaking and keyed token buckets.
package governance
