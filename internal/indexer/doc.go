// Package indexer orchestrates the indexing pipeline.
//
// One run moves a repository through fetch -> chunk -> embed -> store. Files
// stream out of the fetcher and are handed to a bounded worker pool; chunking
// and embedding of one file can run while later pages of the listing are
// still being fetched. Job counters grow incrementally as files are
// discovered, so progress is meaningful even before the listing completes.
//
// # Job Lifecycle
//
// Start creates a job in the pending state and returns its ID immediately;
// the pipeline runs on background goroutines. The job moves to indexing when
// work begins and ends in completed or failed. At most one non-terminal job
// exists per repository key: a second Start returns the live job's ID with
// types.ErrAlreadyRunning. The guard is enforced twice, by an in-process
// registry and by a database uniqueness constraint for processes sharing the
// index file.
//
// # Failure Handling
//
// A listing failure is fatal to the run. Per-file problems are not: a file
// that cannot be fetched or chunked is counted and skipped. When an embedding
// batch exhausts its retries, its chunks are stored without vectors and
// counted as pending; a later run embeds them without refetching.
//
// # Incremental Re-indexing
//
// Each file's content hash is stored on success. A re-index skips unchanged
// files entirely, and when a file shrinks to fewer chunks the stale tail
// slots are deleted so search never returns content that no longer exists.
//
// # Cancellation
//
// Cancel stops a live run cooperatively: workers observe context
// cancellation at their next step, and the job is recorded as failed with a
// cancellation message. Already-stored chunks remain valid.
package indexer
