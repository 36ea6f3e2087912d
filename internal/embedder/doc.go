// Package embedder turns code text into fixed-length vectors for similarity
// search.
//
// Two providers are available: an OpenAI-backed embedder for real deployments
// and a deterministic local embedder for tests and offline use. Both sit
// behind the Embedder interface and share an LRU cache keyed by SHA-256
// content hash, so re-indexing unchanged code never re-pays the API cost.
//
// Provider calls are wrapped in exponential backoff. Rate limits and 5xx
// responses are retried up to a bounded number of attempts; invalid input
// (empty or oversized texts) fails immediately, since retrying cannot fix it.
// Batch outputs preserve input order: the i-th vector always corresponds to
// the i-th text.
package embedder
