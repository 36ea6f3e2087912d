// Package chunker splits source files into semantically bounded chunks for
// embedding and retrieval.
//
// Languages with a registered tree-sitter grammar (Go, Python, JavaScript,
// TypeScript) are split along function and class boundaries. Unsupported
// languages, and files the structured parser cannot handle, fall back to
// fixed-size sliding-window splitting by estimated token count with a small
// line overlap. Either way, any single chunk exceeding the configured token
// ceiling is further split, even mid-block, to respect embedding provider
// input limits.
//
// Chunking is deterministic: the same content and ceiling always produce the
// same chunk boundaries, indexes, and totals. That determinism is what keeps
// the store's (repository, file_path, chunk_index) key stable across
// re-indexing runs.
package chunker
