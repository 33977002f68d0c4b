package models

// RetrievalResult mirrors the vector index's nested-batch response shape.
// The outer dimension is the query batch; this application always issues
// single-text queries, so the outer slices have length one.
type RetrievalResult struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

// Merge concatenates another result's parallel fields onto this one.
// Used on the oversized-attachment path, where each chunk issues its own
// retrieval query and the per-chunk results are accumulated.
func (r *RetrievalResult) Merge(other *RetrievalResult) {
	if other == nil {
		return
	}
	r.IDs = append(r.IDs, other.IDs...)
	r.Documents = append(r.Documents, other.Documents...)
	r.Metadatas = append(r.Metadatas, other.Metadatas...)
	r.Distances = append(r.Distances, other.Distances...)
}
