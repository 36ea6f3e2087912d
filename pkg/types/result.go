package types

// QueryStatus describes the outcome class of a query.
type QueryStatus string

const (
	// QueryAnswered means relevant chunks were found and an answer synthesized.
	QueryAnswered QueryStatus = "answered"
	// QueryNotIndexed means the repository has never completed indexing; an
	// indexing job has been triggered as a side effect.
	QueryNotIndexed QueryStatus = "not_indexed"
	// QueryNoMatches means indexing completed but nothing met the similarity
	// threshold.
	QueryNoMatches QueryStatus = "no_matches"
)

// QueryResult is the transient response to a natural-language query. It is
// never persisted.
type QueryResult struct {
	Status     QueryStatus
	Answer     string
	Chunks     []ScoredChunk // Chunks actually used for the answer, ranked
	Confidence float64       // 0..1, derived from similarity scores
	JobID      string        // Set when Status is QueryNotIndexed
}
