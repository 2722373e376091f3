// Package databases implements the Weaviate GraphQL transport used by
// the retrieval stage.
package databases

// SearchResult is one object returned by a Weaviate query.
type SearchResult struct {
	// ID is the Weaviate object uuid from _additional.id.
	ID string

	// Properties holds the returned object properties.
	Properties map[string]interface{}

	// Score is the hybrid fusion score, when present.
	Score *float64

	// Distance is the vector distance, when present.
	Distance *float64

	// Vector is the object embedding, when requested.
	Vector []float64
}

// HybridQuery describes a hybrid (bm25 + vector) search.
type HybridQuery struct {
	Collection       string
	Query            string
	Alpha            float64
	Properties       []string // bm25 query properties
	FusionType       string   // "relative" or "ranked"
	Limit            int
	Where            map[string]interface{} // normalized where clause
	ReturnProperties []string
	IncludeVector    bool
}

// NearTextQuery describes a pure vector-side search.
type NearTextQuery struct {
	Collection       string
	Query            string
	Distance         float64
	Limit            int
	Where            map[string]interface{}
	ReturnProperties []string
	IncludeVector    bool
}
