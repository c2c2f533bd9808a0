// Package dedupe provides a bounded TTL cache used to suppress
// replayed inbound socket frames.
package dedupe
