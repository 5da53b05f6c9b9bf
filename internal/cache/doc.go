// Package cache defines the region store that backs the agent: independent,
// named regions (staging, content, manifest-record) each holding responses
// keyed by the absolute request URL that produced them. Backends share one
// contract with per-entry atomic put/remove and whole-region drop, which is all
// the reconciler relies on for consistency. The file backend uses temp file +
// rename, the sqlite backend single-transaction upserts, and the memory backend
// exists for tests and ephemeral deployments.
package cache
