// Package types defines the shared value types for the indexing and
// retrieval engine: repository keys, source files, code chunks, indexing
// jobs, and query results. All components communicate through these types;
// none of them carry behavior beyond validation and state transitions.
package types
