// Package query turns natural-language questions into grounded answers
// about indexed code.
//
// The pipeline is retrieval-augmented generation over the chunk store:
//
//  1. Embed the question with the same model used at indexing time.
//  2. Analyze the question for narrowing hints (language mentions, explicit
//     file names, topic keywords) and translate them into search filters.
//  3. Run a cosine similarity search, scoped to one repository when a key is
//     given or across all indexed repositories otherwise. If a filtered
//     search comes back empty the filters are dropped and the search retried,
//     so an over-eager heuristic never hides real matches.
//  4. Assemble the top chunks into a bounded context window and ask the LLM
//     to synthesize an answer citing file paths and line ranges.
//
// When nothing clears the similarity threshold, the engine inspects job
// state to give an honest answer: a repository that was never indexed gets
// an indexing job triggered as a side effect and the caller is told to retry
// later, while a fully indexed repository gets a definitive "no relevant
// code found".
package query
